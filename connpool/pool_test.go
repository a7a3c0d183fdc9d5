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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out in-memory connections and counts dials.
type pipeDialer struct {
	dials atomic.Int32
	err   error

	mu      sync.Mutex
	servers []net.Conn
}

func (d *pipeDialer) dial(_ context.Context, network, addr string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.dials.Add(1)
	client, server := net.Pipe()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers = append(d.servers, server)
	return client, nil
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, server := range d.servers {
		_ = server.Close()
	}
}

func newTestPool(t *testing.T, opts Options) (*Pool, *pipeDialer) {
	t.Helper()
	dialer := &pipeDialer{}
	t.Cleanup(dialer.close)
	if opts.Host == "" {
		opts.Host = "example.com"
	}
	if opts.Port == 0 {
		opts.Port = 80
	}
	opts.Scheme = "http"
	opts.DialFunc = dialer.dial
	pool, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool, dialer
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Port: 80})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 0})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 70000})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 80, MaxSize: -1})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 80, SourceAddress: "127.0.0.1:notaport"})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 443, TLS: &TLSOptions{CertReqs: "CERT_OPTIONAL"}})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 443, TLS: &TLSOptions{SSLVersion: "SSLv3"}})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 443, TLS: &TLSOptions{KeyFile: "client.key"}})
	require.Error(t, err)

	pool, err := New(Options{Host: "example.com", Port: 80, SourceAddress: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSize, pool.Options().MaxSize)
	assert.Equal(t, "example.com:80", pool.Addr())
	require.NoError(t, pool.Close())
}

func TestPool_ReusesIdleConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, dialer := newTestPool(t, Options{MaxSize: 2})

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(first))
	assert.Equal(t, 1, pool.IdleCount())

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), dialer.dials.Load())

	third, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, second, third)
	assert.Equal(t, int32(2), dialer.dials.Load())
	conn, ok := third.(*Conn)
	require.True(t, ok)
	assert.Same(t, pool, conn.Pool())

	require.NoError(t, pool.Release(second))
	require.NoError(t, pool.Release(third))
	assert.Equal(t, 2, pool.IdleCount())
}

func TestPool_NonBlockingFailsFastWhenExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, _ := newTestPool(t, Options{MaxSize: 1})

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, pool.Release(conn))
	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(again))
}

func TestPool_BlockingWaitsForRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, dialer := newTestPool(t, Options{MaxSize: 1, Block: true})

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan net.Conn)
	go func() {
		waiter, err := pool.Acquire(ctx)
		assert.NoError(t, err)
		acquired <- waiter
	}()
	select {
	case <-acquired:
		require.FailNow(t, "acquire should block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, pool.Release(conn))
	select {
	case waiter := <-acquired:
		assert.Same(t, conn, waiter)
		require.NoError(t, pool.Release(waiter))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "acquire never unblocked")
	}
	assert.Equal(t, int32(1), dialer.dials.Load())

	// a blocked acquire also honors its context
	held, err := pool.Acquire(ctx)
	require.NoError(t, err)
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(timeoutCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, pool.Release(held))
}

func TestPool_CloseWakesBlockedAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, _ := newTestPool(t, Options{MaxSize: 1, Block: true})
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Close())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "close did not wake blocked acquire")
	}
	require.ErrorIs(t, pool.Release(conn), ErrPoolClosed)
}

func TestPool_ClosedPoolRejectsUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, _ := newTestPool(t, Options{MaxSize: 2})

	idle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	out, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(idle))

	require.NoError(t, pool.Close())
	assert.True(t, pool.Closed())
	assert.Zero(t, pool.IdleCount())
	// idle connections were closed
	_, err = idle.Write([]byte("x"))
	require.Error(t, err)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
	// acquired before close, released after
	require.ErrorIs(t, pool.Release(out), ErrPoolClosed)
	_, err = out.Write([]byte("x"))
	require.Error(t, err)
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	// idempotent
	require.NoError(t, pool.Close())
}

func TestPool_ReleaseValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, _ := newTestPool(t, Options{MaxSize: 1})
	other, _ := newTestPool(t, Options{MaxSize: 1})

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, other.Release(conn), errForeignConn)
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()
	require.ErrorIs(t, pool.Release(client), errForeignConn)

	require.NoError(t, pool.Release(conn))
	require.ErrorIs(t, pool.Release(conn), errAlreadyReleased)
}

func TestPool_Discard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, dialer := newTestPool(t, Options{MaxSize: 1})

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Discard(conn))
	assert.Zero(t, pool.IdleCount())

	// slot was freed, so a new connection can be dialed
	fresh, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.Equal(t, int32(2), dialer.dials.Load())
	require.NoError(t, pool.Release(fresh))
}

func TestPool_DialFailureFreesSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, dialer := newTestPool(t, Options{MaxSize: 1})
	dialErr := errors.New("connection refused")
	dialer.err = dialErr
	_, err := pool.Acquire(ctx)
	require.ErrorIs(t, err, dialErr)

	dialer.err = nil
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(conn))
}

func TestPool_TLS(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cert, err := tls.X509KeyPair([]byte(localhostCert), []byte(localhostKey))
	require.NoError(t, err)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if tlsConn, ok := conn.(*tls.Conn); ok {
					_ = tlsConn.HandshakeContext(ctx)
				}
				buf := make([]byte, 1)
				_, _ = conn.Read(buf)
			}()
		}
	}()

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile, []byte(localhostCert), 0o600))
	var dialer net.Dialer
	dialListener := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, listener.Addr().String())
	}

	pool, err := New(Options{
		Scheme:   "https",
		Host:     "localhost",
		Port:     443,
		Timeout:  5 * time.Second,
		TLS:      &TLSOptions{CACerts: caFile, SSLVersion: "TLSv1.2"},
		DialFunc: dialListener,
	})
	require.NoError(t, err)
	defer pool.Close()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pooled, ok := conn.(*Conn)
	require.True(t, ok)
	tlsConn, ok := pooled.Conn.(*tls.Conn)
	require.True(t, ok)
	assert.Equal(t, "localhost", tlsConn.ConnectionState().ServerName)
	require.NoError(t, pool.Release(conn))

	// the same CA loaded from a directory
	dirPool, err := New(Options{
		Scheme:   "https",
		Host:     "localhost",
		Port:     443,
		TLS:      &TLSOptions{CACertDir: dir},
		DialFunc: dialListener,
	})
	require.NoError(t, err)
	defer dirPool.Close()
	conn, err = dirPool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, dirPool.Release(conn))

	// without the CA, verification fails
	untrusted, err := New(Options{
		Scheme:   "https",
		Host:     "localhost",
		Port:     443,
		TLS:      &TLSOptions{Config: &tls.Config{RootCAs: x509EmptyPool(), MinVersion: tls.VersionTLS12}},
		DialFunc: dialListener,
	})
	require.NoError(t, err)
	defer untrusted.Close()
	_, err = untrusted.Acquire(ctx)
	require.Error(t, err)
	// the failed handshake gave its slot back
	_, err = untrusted.Acquire(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_TLSConfigErrorsSurfaceOnAcquire(t *testing.T) {
	t.Parallel()
	pool, dialer := newTestPool(t, Options{
		Port: 443,
		TLS:  &TLSOptions{CACerts: filepath.Join(t.TempDir(), "missing.pem")},
	})
	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, dialer.dials.Load())
}

func TestBuildTLSConfig(t *testing.T) {
	t.Parallel()
	base := &tls.Config{ServerName: "base.example.com", MinVersion: tls.VersionTLS12}
	config, err := buildTLSConfig(&TLSOptions{Config: base, SSLVersion: "TLSv1.3", CertReqs: CertNone}, "example.com")
	require.NoError(t, err)
	assert.NotSame(t, base, config)
	assert.Equal(t, "base.example.com", config.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), config.MinVersion)
	assert.True(t, config.InsecureSkipVerify)
	assert.False(t, base.InsecureSkipVerify)

	config, err = buildTLSConfig(&TLSOptions{ServerName: "sni.example.com"}, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "sni.example.com", config.ServerName)
	assert.False(t, config.InsecureSkipVerify)

	config, err = buildTLSConfig(&TLSOptions{SSLVersion: "SSLv23"}, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", config.ServerName)
	assert.Zero(t, config.MinVersion)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "client.pem")
	require.NoError(t, os.WriteFile(certFile, []byte(localhostCert+"\n"+localhostKey), 0o600))
	config, err = buildTLSConfig(&TLSOptions{CertFile: certFile}, "example.com")
	require.NoError(t, err)
	assert.Len(t, config.Certificates, 1)

	badCA := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not a certificate"), 0o600))
	_, err = buildTLSConfig(&TLSOptions{CACerts: badCA}, "example.com")
	require.Error(t, err)
}

func TestPool_SourceAddressResolvedWhenDialing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// host names are accepted without being looked up
	pool, err := New(Options{Host: "example.com", Port: 80, SourceAddress: "egress.invalid:0"})
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	_, err = New(Options{Host: "example.com", Port: 80, SourceAddress: ":8080"})
	require.Error(t, err)
	_, err = New(Options{Host: "example.com", Port: 80, SourceAddress: "127.0.0.1:70000"})
	require.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	pool, err = New(Options{Host: "127.0.0.1", Port: addr.Port, SourceAddress: "127.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", local.IP.String())
	require.NoError(t, pool.Release(conn))
}

func TestPool_DialFuncIgnoresSourceAddress(t *testing.T) {
	t.Parallel()
	pool, dialer := newTestPool(t, Options{SourceAddress: "egress.invalid"})
	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dialer.dials.Load())
	require.NoError(t, pool.Release(conn))
}
