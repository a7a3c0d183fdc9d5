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

// Package registry implements the bounded, recency-ordered container that
// the pool manager uses to hold its per-destination connection pools.
//
// A Registry maps comparable keys to values that can be closed. It never
// holds more than its capacity: inserting past capacity evicts the least
// recently used entry and closes its value before the inserting call
// returns. Removal and clearing close values too. Values are closed after
// the registry's lock is released, so a slow Close never blocks lookups of
// other keys.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/httppool/internal"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidCapacity is returned by New when the capacity is not positive.
var ErrInvalidCapacity = errors.New("registry capacity must be at least 1")

// Reason describes why an entry left the registry.
type Reason int

const (
	// ReasonCapacity means the entry was the least recently used one when
	// a new entry pushed the registry past its capacity.
	ReasonCapacity Reason = iota + 1
	// ReasonIdle means the entry had not been used for longer than the
	// idle timeout.
	ReasonIdle
	// ReasonRemoved means the entry was removed explicitly.
	ReasonRemoved
	// ReasonCleared means the entry was dropped by Clear.
	ReasonCleared
)

func (r Reason) String() string {
	switch r {
	case ReasonCapacity:
		return "capacity"
	case ReasonIdle:
		return "idle"
	case ReasonRemoved:
		return "removed"
	case ReasonCleared:
		return "cleared"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Options configure a Registry. Only Capacity is required.
type Options[K comparable, V io.Closer] struct {
	// Capacity is the maximum number of entries. It cannot change after
	// the registry is created.
	Capacity int
	// IdleTimeout, if positive, evicts entries that have not been looked
	// up for at least this long. Expiry is checked lazily, on lookup.
	IdleTimeout time.Duration
	// Clock is used to measure idleness. Defaults to the real clock.
	Clock internal.Clock
	// OnEvict, if non-nil, is called after an entry's value has been
	// closed, with the error (if any) returned by its Close method.
	OnEvict func(key K, value V, reason Reason, closeErr error)
}

// Entry is a single key/value pair in a snapshot of the registry.
type Entry[K comparable, V io.Closer] struct {
	Key      K
	Value    V
	LastUsed time.Time
}

// Registry is a capacity-bounded LRU container of closeable values. It is
// safe for concurrent use.
type Registry[K comparable, V io.Closer] struct {
	capacity    int
	idleTimeout time.Duration
	clock       internal.Clock
	onEvict     func(K, V, Reason, error)

	mu sync.Mutex
	// +checklocks:mu
	lru *simplelru.LRU[K, *item[V]]
	// +checklocks:mu
	reason Reason
	// +checklocks:mu
	dropped []dropped[K, V]
}

type item[V io.Closer] struct {
	value    V
	lastUsed time.Time
}

type dropped[K comparable, V io.Closer] struct {
	key    K
	value  V
	reason Reason
}

// New creates an empty registry.
func New[K comparable, V io.Closer](opts Options[K, V]) (*Registry[K, V], error) {
	if opts.Capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	reg := &Registry[K, V]{
		capacity:    opts.Capacity,
		idleTimeout: opts.IdleTimeout,
		clock:       opts.Clock,
		onEvict:     opts.OnEvict,
	}
	if reg.clock == nil {
		reg.clock = internal.NewRealClock()
	}
	lru, err := simplelru.NewLRU[K, *item[V]](opts.Capacity, reg.collect)
	if err != nil {
		return nil, err
	}
	reg.lru = lru
	return reg, nil
}

// collect is the LRU's eviction callback. The LRU only invokes it from
// methods called while r.mu is held.
func (r *Registry[K, V]) collect(key K, it *item[V]) {
	r.dropped = append(r.dropped, dropped[K, V]{key: key, value: it.value, reason: r.reason})
}

// Capacity returns the maximum number of entries.
func (r *Registry[K, V]) Capacity() int {
	return r.capacity
}

// GetOrCreate returns the value stored for key, marking it most recently
// used. If there is none, create is called to construct one, which is
// stored as the most recently used entry. If that pushes the registry past
// its capacity, the least recently used entry is removed and its value is
// closed before GetOrCreate returns.
//
// The lock is held while create runs, so concurrent callers with the same
// key never construct duplicate values. Consequently create must not block
// on network I/O. If create fails, nothing is stored and its error is
// returned.
func (r *Registry[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	value, drops, err := r.getOrCreate(key, create)
	r.closeAll(drops) //nolint:errcheck // reported via OnEvict
	return value, err
}

func (r *Registry[K, V]) getOrCreate(key K, create func() (V, error)) (V, []dropped[K, V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	r.expireLocked(now)
	if it, ok := r.lru.Get(key); ok {
		it.lastUsed = now
		return it.value, r.takeDroppedLocked(), nil
	}
	value, err := create()
	if err != nil {
		var zero V
		return zero, r.takeDroppedLocked(), err
	}
	r.reason = ReasonCapacity
	r.lru.Add(key, &item[V]{value: value, lastUsed: now})
	return value, r.takeDroppedLocked(), nil
}

// Remove removes the entry for key, regardless of its recency, and closes
// its value. It reports whether an entry was present along with any error
// from closing it.
func (r *Registry[K, V]) Remove(key K) (bool, error) {
	present, drops := r.remove(key)
	return present, r.closeAll(drops)
}

func (r *Registry[K, V]) remove(key K) (bool, []dropped[K, V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = ReasonRemoved
	present := r.lru.Remove(key)
	return present, r.takeDroppedLocked()
}

// ExpireIdle evicts every entry that has been idle for at least the idle
// timeout and returns how many were evicted. It is a no-op when no idle
// timeout is configured.
func (r *Registry[K, V]) ExpireIdle() int {
	r.mu.Lock()
	r.expireLocked(r.clock.Now())
	drops := r.takeDroppedLocked()
	r.mu.Unlock()
	r.closeAll(drops) //nolint:errcheck // reported via OnEvict
	return len(drops)
}

// Clear empties the registry and closes every value it held. All values
// are closed, concurrently, even if some fail; the failures are joined
// into the returned error. The registry is usable again immediately.
func (r *Registry[K, V]) Clear() error {
	r.mu.Lock()
	r.reason = ReasonCleared
	r.lru.Purge()
	drops := r.takeDroppedLocked()
	r.mu.Unlock()
	return r.closeAll(drops)
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Keys returns the keys in order from least to most recently used.
func (r *Registry[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Keys()
}

// Snapshot returns the entries in order from least to most recently used.
// Taking a snapshot does not affect recency.
func (r *Registry[K, V]) Snapshot() []Entry[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.lru.Keys()
	entries := make([]Entry[K, V], 0, len(keys))
	for _, key := range keys {
		it, ok := r.lru.Peek(key)
		if !ok {
			continue
		}
		entries = append(entries, Entry[K, V]{Key: key, Value: it.value, LastUsed: it.lastUsed})
	}
	return entries
}

// +checklocks:r.mu
func (r *Registry[K, V]) expireLocked(now time.Time) {
	if r.idleTimeout <= 0 {
		return
	}
	r.reason = ReasonIdle
	for {
		_, it, ok := r.lru.GetOldest()
		if !ok || now.Sub(it.lastUsed) < r.idleTimeout {
			return
		}
		r.lru.RemoveOldest()
	}
}

// +checklocks:r.mu
func (r *Registry[K, V]) takeDroppedLocked() []dropped[K, V] {
	drops := r.dropped
	r.dropped = nil
	return drops
}

func (r *Registry[K, V]) closeAll(drops []dropped[K, V]) error {
	switch len(drops) {
	case 0:
		return nil
	case 1:
		return r.closeOne(drops[0])
	}
	errs := make([]error, len(drops))
	var grp errgroup.Group
	for i, drop := range drops {
		grp.Go(func() error {
			errs[i] = r.closeOne(drop)
			return nil
		})
	}
	_ = grp.Wait()
	return errors.Join(errs...)
}

func (r *Registry[K, V]) closeOne(drop dropped[K, V]) error {
	err := drop.value.Close()
	if err != nil {
		err = fmt.Errorf("closing %v: %w", drop.key, err)
	}
	if r.onEvict != nil {
		r.onEvict(drop.key, drop.value, drop.reason, err)
	}
	return err
}
