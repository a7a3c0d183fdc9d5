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
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"sync"

	"github.com/bufbuild/httppool/internal/registry"
	"go.uber.org/zap"
)

// Names of the location entries in the map given to PoolFromContext.
const (
	ContextScheme = "scheme"
	ContextHost   = "host"
	ContextPort   = "port"
)

// Manager hands out connection pools, one per distinct pool key, and
// bounds how many it keeps. It is safe for concurrent use.
//
// A lookup normalizes the destination, merges the manager's default
// configuration with the per-call override, derives a key with the key
// function registered for the scheme, and returns the pool stored for that
// key, creating it if needed. Pools belong to the manager: it closes them
// when they are evicted, removed, or cleared, after which using them fails
// with ErrPoolClosed.
type Manager struct {
	capacity int
	logger   *zap.Logger
	registry *registry.Registry[any, Pool]

	mu sync.RWMutex
	// +checklocks:mu
	defaults Config
	// +checklocks:mu
	keyFuncs map[string]KeyFunc
	// +checklocks:mu
	factories map[string]PoolFactory
}

// NewManager returns a new, empty manager that uses the given options.
func NewManager(options ...ManagerOption) *Manager {
	opts := newManagerOptions()
	for _, opt := range options {
		opt.apply(opts)
	}
	opts.applyDefaults()
	mgr := &Manager{
		capacity:  opts.capacity,
		logger:    opts.logger,
		defaults:  opts.defaults,
		keyFuncs:  opts.keyFuncs,
		factories: opts.factories,
	}
	reg, err := registry.New(registry.Options[any, Pool]{
		Capacity:    opts.capacity,
		IdleTimeout: opts.idlePoolTimeout,
		Clock:       opts.clock,
		OnEvict:     mgr.onEvict,
	})
	if err != nil {
		// applyDefaults guarantees a valid capacity
		panic(err)
	}
	mgr.registry = reg
	return mgr
}

func (m *Manager) onEvict(key any, _ Pool, reason registry.Reason, closeErr error) {
	if closeErr != nil {
		m.logger.Warn("failed to close pool", zap.Any("key", key), zap.Stringer("reason", reason), zap.Error(closeErr))
		return
	}
	m.logger.Debug("pool closed", zap.Any("key", key), zap.Stringer("reason", reason))
}

// Capacity returns the maximum number of pools the manager keeps.
func (m *Manager) Capacity() int {
	return m.capacity
}

// PoolFromURL returns the pool for the scheme, host, and port of rawURL,
// with the given configuration override. The path, query, and any user
// info of the URL are ignored. A URL without a scheme is treated as an
// "http" URL. If the URL has no valid host, a *LocationError is returned.
func (m *Manager) PoolFromURL(rawURL string, override Config) (Pool, error) {
	scheme, host, port, err := parseLocation(rawURL)
	if err != nil {
		return nil, err
	}
	return m.lookup(scheme, host, port, m.MergeConfig(override))
}

// PoolFromHost returns the pool for the given destination and
// configuration override. An empty scheme means "http", and a zero port
// means the scheme's default port. If the host is empty or malformed, a
// *LocationError is returned.
func (m *Manager) PoolFromHost(host string, port int, scheme string, override Config) (Pool, error) {
	scheme = normalizeScheme(scheme)
	host, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}
	port, err = normalizePort(scheme, port)
	if err != nil {
		return nil, err
	}
	return m.lookup(scheme, host, port, m.MergeConfig(override))
}

// PoolFromContext returns the pool for a request context given as a map.
// The map's ContextScheme, ContextHost, and ContextPort entries give the
// destination; the port may be an integer or a decimal string. All other
// entries are configuration: they are layered over the manager's defaults,
// and then the override is layered over the result.
func (m *Manager) PoolFromContext(request map[string]any, override Config) (Pool, error) {
	var kctx KeyContext
	extras := Config{}
	for name, value := range request {
		switch name {
		case ContextScheme:
			scheme, ok := value.(string)
			if !ok && value != nil {
				return nil, locationErrorf(fmt.Sprint(value), "scheme must be a string, got %T", value)
			}
			kctx.Scheme = scheme
		case ContextHost:
			host, ok := value.(string)
			if !ok && value != nil {
				return nil, locationErrorf(fmt.Sprint(value), "host must be a string, got %T", value)
			}
			kctx.Host = host
		case ContextPort:
			port, err := contextPort(value)
			if err != nil {
				return nil, err
			}
			kctx.Port = port
		default:
			extras[name] = value
		}
	}
	kctx.Config = extras
	return m.PoolFromKeyContext(kctx, override)
}

func contextPort(value any) (int, error) {
	switch port := value.(type) {
	case nil:
		return 0, nil
	case int:
		return port, nil
	case int64:
		return int(port), nil
	case string:
		if port == "" {
			return 0, nil
		}
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return 0, locationErrorf(port, "invalid port")
		}
		return parsed, nil
	default:
		return 0, locationErrorf(fmt.Sprint(value), "port must be an integer or string, got %T", value)
	}
}

// PoolFromKeyContext is like PoolFromContext, but takes the destination
// and configuration as a KeyContext. The scheme and host are normalized
// and a zero port is replaced with the scheme's default, exactly as for
// the other lookups.
func (m *Manager) PoolFromKeyContext(kctx KeyContext, override Config) (Pool, error) {
	scheme := normalizeScheme(kctx.Scheme)
	host, err := normalizeHost(kctx.Host)
	if err != nil {
		return nil, err
	}
	port, err := normalizePort(scheme, kctx.Port)
	if err != nil {
		return nil, err
	}
	return m.lookup(scheme, host, port, Merge(m.MergeConfig(kctx.Config), override))
}

// KeyForURL returns the key that PoolFromURL would use for the given URL
// and override, without looking up or creating a pool.
func (m *Manager) KeyForURL(rawURL string, override Config) (any, error) {
	scheme, host, port, err := parseLocation(rawURL)
	if err != nil {
		return nil, err
	}
	kctx := KeyContext{Scheme: scheme, Host: host, Port: port, Config: m.MergeConfig(override)}
	keyFn, _ := m.schemeFuncs(scheme)
	return deriveKey(keyFn, kctx)
}

func (m *Manager) schemeFuncs(scheme string) (KeyFunc, PoolFactory) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFuncs[scheme], m.factories[scheme]
}

func (m *Manager) lookup(scheme, host string, port int, config Config) (Pool, error) {
	keyFn, factory := m.schemeFuncs(scheme)
	if factory == nil {
		return nil, locationErrorf(scheme, "unsupported scheme")
	}
	kctx := KeyContext{Scheme: scheme, Host: host, Port: port, Config: config}
	key, err := deriveKey(keyFn, kctx)
	if err != nil {
		return nil, err
	}
	return m.registry.GetOrCreate(key, func() (Pool, error) {
		pool, err := factory(kctx)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			return nil, fmt.Errorf("pool factory for scheme %q returned nil pool", scheme)
		}
		m.logger.Debug("pool created", zap.Any("key", key))
		return pool, nil
	})
}

// MergeConfig returns the manager's default configuration combined with
// override. See Merge. The result is always a new map; the defaults are
// never modified.
func (m *Manager) MergeConfig(override Config) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Merge(m.defaults, override)
}

// Defaults returns a copy of the manager's default configuration.
func (m *Manager) Defaults() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults.Clone()
}

// SetDefault sets a default configuration value for subsequent lookups.
// Pools that already exist keep the configuration they were created with;
// since the default key functions include most settings in the key,
// subsequent lookups may get new pools.
func (m *Manager) SetDefault(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsUnset(value) {
		delete(m.defaults, name)
		return
	}
	m.defaults[name] = value
}

// DeleteDefault removes a default configuration value for subsequent
// lookups.
func (m *Manager) DeleteDefault(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defaults, name)
}

// KeyFunc returns the key function used for the given scheme, or nil if
// pools for that scheme are keyed with HTTPPoolKey.
func (m *Manager) KeyFunc(scheme string) KeyFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFuncs[normalizeScheme(scheme)]
}

// KeyFuncs returns a copy of the manager's key function table.
func (m *Manager) KeyFuncs() map[string]KeyFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.keyFuncs)
}

// SetKeyFunc replaces the key function for the given scheme for subsequent
// lookups. Pools already created keep their keys. The change affects only
// this manager.
func (m *Manager) SetKeyFunc(scheme string, keyFn KeyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keyFn == nil {
		delete(m.keyFuncs, normalizeScheme(scheme))
		return
	}
	m.keyFuncs[normalizeScheme(scheme)] = keyFn
}

// DeleteKeyFunc removes the key function for the given scheme, so that
// its pools are keyed with HTTPPoolKey.
func (m *Manager) DeleteKeyFunc(scheme string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyFuncs, normalizeScheme(scheme))
}

// Len returns the number of pools currently held.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Keys returns the keys of the pools currently held, from least to most
// recently used.
func (m *Manager) Keys() []any {
	return m.registry.Keys()
}

// ExpireIdle closes the pools that have not been used within the idle pool
// timeout and returns how many were closed. Lookups already do this, so
// calling it is only needed to release idle pools without a lookup.
func (m *Manager) ExpireIdle() int {
	return m.registry.ExpireIdle()
}

// Pools returns a snapshot of the pools currently held, by key. Taking a
// snapshot does not count as using the pools.
func (m *Manager) Pools() map[any]Pool {
	entries := m.registry.Snapshot()
	pools := make(map[any]Pool, len(entries))
	for _, entry := range entries {
		pools[entry.Key] = entry.Value
	}
	return pools
}

// Remove drops the pool with the given key, if any, and closes it. Use
// this when a pool is known to be broken. It reports whether a pool was
// removed. A key that cannot be a pool key, because it is not comparable,
// is reported as a *ConfigurationError.
func (m *Manager) Remove(key any) (bool, error) {
	if key != nil && !reflect.ValueOf(key).Comparable() {
		return false, &ConfigurationError{
			Err: fmt.Errorf("removing pool: key %w: %T", errNotComparable, key),
		}
	}
	return m.registry.Remove(key)
}

// RemoveURL drops the pool that PoolFromURL would return for the given URL
// and override, if any, and closes it.
func (m *Manager) RemoveURL(rawURL string, override Config) (bool, error) {
	key, err := m.KeyForURL(rawURL, override)
	if err != nil {
		return false, err
	}
	return m.Remove(key)
}

// Clear closes every pool and empties the manager. Every pool is closed
// even if closing some of them fails; the failures are joined into the
// returned error. The manager remains usable: subsequent lookups create
// new pools.
func (m *Manager) Clear() error {
	err := m.registry.Clear()
	if err != nil {
		m.logger.Warn("errors closing pools", zap.Error(err))
	}
	return err
}

// Use calls fn with the manager and then clears the manager, whether or
// not fn succeeds or panics, so that every pool fn causes to be created is
// closed when Use returns. The result joins the errors from fn and Clear.
func (m *Manager) Use(fn func(*Manager) error) (err error) {
	defer func() {
		err = errors.Join(err, m.Clear())
	}()
	return fn(m)
}
