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

package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxSize is the connection cap used when Options.MaxSize is zero.
const DefaultMaxSize = 1

var (
	// ErrPoolClosed is returned from Acquire and Release once the pool has
	// been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned from Acquire when every connection is
	// checked out and the pool does not block.
	ErrPoolExhausted = errors.New("connection pool is exhausted")

	errForeignConn     = errors.New("connection does not belong to this pool")
	errAlreadyReleased = errors.New("connection already released")
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Options configure a Pool.
type Options struct {
	Scheme string
	Host   string
	Port   int

	// Timeout bounds how long dialing a connection, including any TLS
	// handshake, may take. Zero means no limit beyond the context's.
	Timeout time.Duration
	// Retries is carried for the benefit of callers issuing requests over
	// the pool's connections. The pool itself never retries.
	Retries any
	// Block controls what Acquire does when MaxSize connections are
	// already checked out: wait for one to be released, or fail with
	// ErrPoolExhausted.
	Block bool
	// MaxSize caps how many connections may be checked out at once, and
	// also how many idle connections are kept. Defaults to DefaultMaxSize.
	MaxSize int
	// SourceAddress, if set, is the local address ("host" or "host:port")
	// to dial from. Its syntax is checked by New; a host name is resolved
	// when dialing. It has no effect when DialFunc is set: a custom dial
	// function chooses its own local address.
	SourceAddress string
	// TLS, if non-nil, makes the pool dial TLS connections.
	TLS *TLSOptions

	// DialFunc establishes network connections. If nil, a net.Dialer with
	// a 30 second timeout and TCP keep-alive is used.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// Logger receives debug logs about connections. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// Pool is a pool of connections to a single destination. It is safe for
// concurrent use.
type Pool struct {
	opts      Options
	addr      string
	logger    *zap.Logger
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	slots     *semaphore.Weighted
	closedCtx context.Context //nolint:containedctx
	markClose context.CancelFunc

	tlsOnce   sync.Once
	tlsConfig *tlsConfigResult

	mu sync.Mutex
	// +checklocks:mu
	idle []*Conn
	// +checklocks:mu
	closed bool
}

// New validates opts and returns a new, empty pool. It performs no I/O.
func New(opts Options) (*Pool, error) {
	if opts.Host == "" {
		return nil, errors.New("connpool: no host specified")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("connpool: invalid port %d", opts.Port)
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("connpool: invalid max size %d", opts.MaxSize)
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SourceAddress != "" {
		if _, _, err := splitSourceAddress(opts.SourceAddress); err != nil {
			return nil, err
		}
	}
	dial := opts.DialFunc
	if dial == nil {
		dial = defaultDialer.DialContext
		if opts.SourceAddress != "" {
			dial = dialFrom(opts.SourceAddress)
		}
	}
	if opts.TLS != nil {
		if err := opts.TLS.validate(); err != nil {
			return nil, err
		}
	}
	closedCtx, markClose := context.WithCancel(context.Background())
	pool := &Pool{
		opts:      opts,
		addr:      net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		logger:    opts.Logger.With(zap.String("scheme", opts.Scheme), zap.String("host", opts.Host), zap.Int("port", opts.Port)),
		dial:      dial,
		slots:     semaphore.NewWeighted(int64(opts.MaxSize)),
		closedCtx: closedCtx,
		markClose: markClose,
	}
	return pool, nil
}

// splitSourceAddress parses a "host" or "host:port" source address
// without resolving it.
func splitSourceAddress(source string) (string, int, error) {
	host, portStr := source, "0"
	if h, p, err := net.SplitHostPort(source); err == nil {
		host, portStr = h, p
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("connpool: invalid source address %q", source)
	}
	return host, port, nil
}

// dialFrom returns a dial function that binds to the given source
// address. Host names are resolved on every dial, never in New.
func dialFrom(source string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := splitSourceAddress(source)
		if err != nil {
			return nil, err
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			ips, lookupErr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if lookupErr != nil {
				return nil, fmt.Errorf("connpool: resolving source address %q: %w", source, lookupErr)
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("connpool: no addresses for source address %q", source)
			}
			ip = ips[0]
		}
		dialer := &net.Dialer{
			Timeout:   defaultDialer.Timeout,
			KeepAlive: defaultDialer.KeepAlive,
			LocalAddr: net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))),
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// Options returns the effective options of the pool, after defaults have
// been applied.
func (p *Pool) Options() Options {
	return p.opts
}

// Addr returns the "host:port" address the pool dials.
func (p *Pool) Addr() string {
	return p.addr
}

// Acquire returns a connection from the pool. An idle connection is reused
// if one is available; otherwise a new one is dialed. If MaxSize
// connections are already checked out, Acquire blocks until one is
// released, the context is done, or the pool is closed, if the pool is
// configured to block. Otherwise it fails immediately with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}
	conn, err := p.takeIdle()
	if conn != nil || err != nil {
		if err != nil {
			p.slots.Release(1)
		}
		return conn, err
	}
	netConn, err := p.connect(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	conn = &Conn{Conn: netConn, pool: p}
	conn.inUse.Store(true)
	if p.isClosed() {
		// lost a race with Close
		_ = netConn.Close()
		p.slots.Release(1)
		return nil, ErrPoolClosed
	}
	return conn, nil
}

func (p *Pool) reserve(ctx context.Context) error {
	if !p.opts.Block {
		if !p.slots.TryAcquire(1) {
			return ErrPoolExhausted
		}
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closedCtx, cancel)
	defer stop()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		if p.isClosed() {
			return ErrPoolClosed
		}
		return err
	}
	return nil
}

func (p *Pool) takeIdle() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	conn.inUse.Store(true)
	return conn, nil
}

func (p *Pool) connect(ctx context.Context) (net.Conn, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	var tlsConfig *tlsConfigResult
	if p.opts.TLS != nil {
		tlsConfig = p.loadTLSConfig()
		if tlsConfig.err != nil {
			return nil, tlsConfig.err
		}
	}
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug("dial failed", zap.Error(err))
		return nil, fmt.Errorf("dialing %s: %w", p.addr, err)
	}
	if tlsConfig != nil {
		conn, err = handshake(ctx, conn, tlsConfig.config)
		if err != nil {
			p.logger.Debug("tls handshake failed", zap.Error(err))
			return nil, fmt.Errorf("tls handshake with %s: %w", p.addr, err)
		}
	}
	p.logger.Debug("connection established", zap.Stringer("local", conn.LocalAddr()))
	return conn, nil
}

// Release returns a connection obtained from Acquire to the pool so that
// it can be reused. If the pool has been closed, the connection is closed
// instead and ErrPoolClosed is returned, even if the connection was
// acquired before the pool was closed.
func (p *Pool) Release(conn net.Conn) error {
	pooled, err := p.checkIn(conn)
	if err != nil {
		return err
	}
	defer p.slots.Release(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = pooled.Conn.Close()
		return ErrPoolClosed
	}
	if len(p.idle) < p.opts.MaxSize {
		p.idle = append(p.idle, pooled)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return pooled.Conn.Close()
}

// Discard closes a connection obtained from Acquire instead of returning
// it to the pool. Use this for connections that are known to be broken.
func (p *Pool) Discard(conn net.Conn) error {
	pooled, err := p.checkIn(conn)
	if err != nil {
		return err
	}
	defer p.slots.Release(1)
	return pooled.Conn.Close()
}

func (p *Pool) checkIn(conn net.Conn) (*Conn, error) {
	pooled, ok := conn.(*Conn)
	if !ok || pooled.pool != p {
		return nil, errForeignConn
	}
	if !pooled.inUse.CompareAndSwap(true, false) {
		return nil, errAlreadyReleased
	}
	return pooled, nil
}

// Close closes the pool and all of its idle connections. Blocked calls to
// Acquire fail with ErrPoolClosed. Closing a pool more than once is a
// no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.markClose()
	errs := make([]error, 0, len(idle))
	for _, conn := range idle {
		if err := conn.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool closed", zap.Int("idle_closed", len(idle)))
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	return p.isClosed()
}

// IdleCount returns the number of idle connections held by the pool.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Conn is a connection handed out by a Pool. It must be given back with
// the pool's Release or Discard method rather than closed directly.
type Conn struct {
	net.Conn
	pool  *Pool
	inUse atomic.Bool
}

// Pool returns the pool the connection belongs to.
func (c *Conn) Pool() *Pool {
	return c.pool
}
