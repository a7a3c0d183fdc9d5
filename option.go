// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"context"
	"net"
	"time"

	"github.com/bufbuild/httppool/internal"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of pools a manager holds when no
// WithCapacity option is given.
const DefaultCapacity = 10

// ManagerOption is an option used to customize the behavior of a Manager.
type ManagerOption interface {
	apply(*managerOptions)
}

// WithCapacity sets how many pools the manager keeps at once. When a
// lookup needs a new pool and the manager is full, the least recently used
// pool is closed and dropped. The capacity cannot be changed after the
// manager is created. If n is less than one, DefaultCapacity is used.
func WithCapacity(n int) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.capacity = n
	})
}

// WithBlock sets the default "block" setting: whether a pool's Acquire
// waits for a connection to be released when all of them are in use, or
// fails immediately. The default can be overridden per lookup.
func WithBlock(block bool) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.defaults[FieldBlock] = block
	})
}

// WithDefaultConfig adds the given settings to the manager's default
// configuration. It may be used more than once; later values win. Unset
// values remove a name set by an earlier option.
func WithDefaultConfig(config Config) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.defaults = Merge(opts.defaults, config)
	})
}

// WithKeyFunc installs a key function for the given scheme, replacing the
// built-in one, if any. See KeyFunc.
func WithKeyFunc(scheme string, keyFn KeyFunc) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.keyFuncs[normalizeScheme(scheme)] = keyFn
	})
}

// WithPoolFactory configures how pools for the given scheme are created,
// replacing the built-in factory, if any. Schemes other than "http" and
// "https" can only be used with a manager once a factory is registered for
// them. Unless a key function is also registered for the scheme, its pools
// are keyed like "http" pools.
func WithPoolFactory(scheme string, factory PoolFactory) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.factories[normalizeScheme(scheme)] = factory
	})
}

// WithDialer configures the built-in pools to use the given function to
// establish network connections. If no WithDialer option is provided,
// a default [net.Dialer] is used that uses a 30-second dial timeout and
// configures the connection to use TCP keep-alive every 30 seconds.
//
// The "source_address" setting is only applied by the default dialer. A
// custom dial function picks its own local address, so pools using it
// ignore that setting.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithIdlePoolTimeout configures a timeout for how long an unused pool is
// kept. Pools that have not been looked up for this long are closed and
// dropped the next time the manager is used, even if it is not full.
//
// This is for managing client resources when the manager is used for
// dynamic outbound requests, and complements the capacity limit. If zero
// or no WithIdlePoolTimeout option is used, pools are only dropped to make
// room for new ones.
func WithIdlePoolTimeout(duration time.Duration) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.idlePoolTimeout = duration
	})
}

// WithLogger configures the logger used by the manager and its built-in
// pools. If no WithLogger option is used, nothing is logged.
func WithLogger(logger *zap.Logger) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

func withClock(clock internal.Clock) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.clock = clock
	})
}

type managerOptionFunc func(*managerOptions)

func (f managerOptionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	capacity        int
	defaults        Config
	keyFuncs        map[string]KeyFunc
	factories       map[string]PoolFactory
	dialFunc        func(ctx context.Context, network, addr string) (net.Conn, error)
	idlePoolTimeout time.Duration
	logger          *zap.Logger
	clock           internal.Clock
}

func newManagerOptions() *managerOptions {
	return &managerOptions{
		defaults:  Config{},
		keyFuncs:  DefaultKeyFuncs(),
		factories: map[string]PoolFactory{},
	}
}

func (opts *managerOptions) applyDefaults() {
	if opts.capacity < 1 {
		opts.capacity = DefaultCapacity
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if _, ok := opts.factories["http"]; !ok {
		opts.factories["http"] = connPoolFactory(false, opts.dialFunc, opts.logger)
	}
	if _, ok := opts.factories["https"]; !ok {
		opts.factories["https"] = connPoolFactory(true, opts.dialFunc, opts.logger)
	}
}
