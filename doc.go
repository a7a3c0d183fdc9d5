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

// Package httppool manages connection pools for HTTP clients that talk to
// many destinations. A [Manager] maps each request destination, together
// with the settings that should keep connections apart, to a pool key, and
// hands out one shared pool per key. The number of pools is bounded: when
// a new pool would exceed the manager's capacity, the least recently used
// pool is closed and dropped.
//
// To create a manager use the [NewManager] function, and look up pools
// with [Manager.PoolFromURL], [Manager.PoolFromHost], or
// [Manager.PoolFromContext]. Lookups that agree on scheme, host, port, and
// keyed settings always return the same pool, as long as it has not been
// evicted:
//
//	mgr := httppool.NewManager(httppool.WithCapacity(20))
//	defer mgr.Clear()
//	pool, err := mgr.PoolFromURL("https://example.com/path", nil)
//	if err != nil {
//		return err
//	}
//	conn, err := pool.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer pool.Release(conn)
//
// # Configuration
//
// Every manager has a default [Config], a map of setting names to values,
// which is merged with the override given to each lookup. A setting in the
// override replaces the default, except when its value is [Unset], which
// removes the default instead. See [Merge].
//
// # Pool Keys
//
// The merged configuration and the normalized destination are turned into
// a key by the [KeyFunc] registered for the URL scheme. The built-in key
// functions, [HTTPPoolKey] and [HTTPSPoolKey], return a [PoolKey] holding
// the destination and the settings that affect how connections are made;
// "https" keys also hold the TLS settings. Custom key functions can be
// installed per manager with [WithKeyFunc] or [Manager.SetKeyFunc], and
// custom pool implementations with [WithPoolFactory].
//
// # Lifecycle
//
// Pools belong to the manager. They are closed when evicted, when removed
// with [Manager.Remove], or when the manager is cleared with
// [Manager.Clear]; a closed pool reports [ErrPoolClosed] the next time it
// is used. A cleared manager can still be used, and will create new pools.
// [Manager.Use] runs a function and clears the manager afterwards.
package httppool
