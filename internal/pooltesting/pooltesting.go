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

// Package pooltesting provides fake connection pools for tests of the pool
// manager and its registry. The fakes never touch the network.
package pooltesting

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by a FakePool's Acquire and Release methods once
// the pool has been closed.
var ErrClosed = errors.New("fake pool is closed")

// FakePool is a pool that hands out in-memory connections created with
// [net.Pipe]. It records how many times it was closed.
//
// To create new instances of FakePool, use a FakeFactory, or NewFakePool
// for a standalone pool.
type FakePool struct {
	Index  int
	Scheme string
	Host   string
	Port   int
	Config map[string]any

	// CloseErr, if set, is returned by every call to Close.
	CloseErr error

	closes atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	open map[net.Conn]net.Conn
}

// NewFakePool returns a standalone FakePool with the given index.
func NewFakePool(index int) *FakePool {
	return &FakePool{Index: index}
}

// Acquire returns one end of a new in-memory pipe. The other end is closed
// when the connection is released or the pool is closed.
func (p *FakePool) Acquire(context.Context) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	client, server := net.Pipe()
	if p.open == nil {
		p.open = map[net.Conn]net.Conn{}
	}
	p.open[client] = server
	return client, nil
}

// Release closes the given connection. It fails with ErrClosed if the pool
// has been closed, even if the connection was acquired before that.
func (p *FakePool) Release(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	server, ok := p.open[conn]
	delete(p.open, conn)
	if ok {
		_ = server.Close()
		_ = conn.Close()
	}
	if p.closed {
		return ErrClosed
	}
	if !ok {
		return errors.New("connection not acquired from this pool")
	}
	return nil
}

// Close marks the pool closed. It may be called more than once; each call
// is counted.
func (p *FakePool) Close() error {
	p.closes.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for client, server := range p.open {
		_ = client.Close()
		_ = server.Close()
	}
	p.open = nil
	return p.CloseErr
}

// Closed reports whether Close has been called.
func (p *FakePool) Closed() bool {
	return p.closes.Load() > 0
}

// CloseCount returns the number of times Close has been called.
func (p *FakePool) CloseCount() int {
	return int(p.closes.Load())
}

// FakeFactory creates FakePools, numbering them sequentially starting at 1.
// It is safe for concurrent use.
type FakeFactory struct {
	// Err, if set, is returned by New instead of a pool.
	Err error

	mu sync.Mutex
	// +checklocks:mu
	pools []*FakePool
}

// New creates a new FakePool for the given destination. The given config
// is retained as is.
func (f *FakeFactory) New(scheme, host string, port int, config map[string]any) (*FakePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pool := &FakePool{
		Index:  len(f.pools) + 1,
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Config: config,
	}
	f.pools = append(f.pools, pool)
	return pool, nil
}

// Pools returns every pool created so far, in creation order.
func (f *FakeFactory) Pools() []*FakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePool(nil), f.pools...)
}

// Count returns the number of pools created so far.
func (f *FakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools)
}
