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
	"crypto/tls"
	"fmt"
	"net"

	"github.com/bufbuild/httppool/connpool"
	"go.uber.org/zap"
)

// DefaultRetries is the retries setting given to pools created by the
// built-in factories when the merged configuration has none.
const DefaultRetries = 3

// Pool is a set of reusable connections to a single destination. The
// manager creates pools with a PoolFactory and closes them when they are
// evicted, removed, or cleared; callers must never close a pool they got
// from a manager.
//
// Once closed, a pool must fail Acquire and Release, even for a connection
// that was acquired before the pool was closed. The built-in pools return
// ErrPoolClosed in that case.
type Pool interface {
	// Acquire returns a connection, reusing an idle one if possible.
	Acquire(ctx context.Context) (net.Conn, error)
	// Release returns a connection obtained from Acquire to the pool.
	Release(conn net.Conn) error
	// Close closes the pool and its idle connections. It is idempotent.
	Close() error
}

// PoolFactory creates a pool for the destination and merged configuration
// in the given context. It is invoked while the manager's registry is
// locked, so it must not block: in particular, it must not connect to the
// destination. Connections should be established lazily, by Acquire.
type PoolFactory func(KeyContext) (Pool, error)

type dialFunc = func(ctx context.Context, network, addr string) (net.Conn, error)

// connPoolFactory returns the built-in factory for "http" (secure=false)
// and "https" (secure=true) pools.
func connPoolFactory(secure bool, dial dialFunc, logger *zap.Logger) PoolFactory {
	return func(kctx KeyContext) (Pool, error) {
		opts, err := connPoolOptions(kctx, secure)
		if err != nil {
			return nil, &ConfigurationError{Scheme: kctx.Scheme, Err: err}
		}
		opts.DialFunc = dial
		opts.Logger = logger
		pool, err := connpool.New(opts)
		if err != nil {
			return nil, &ConfigurationError{Scheme: kctx.Scheme, Err: err}
		}
		return pool, nil
	}
}

func connPoolOptions(kctx KeyContext, secure bool) (connpool.Options, error) {
	cfg := kctx.Config
	opts := connpool.Options{
		Scheme:  kctx.Scheme,
		Host:    kctx.Host,
		Port:    kctx.Port,
		Retries: cfg[FieldRetries],
	}
	if opts.Retries == nil {
		opts.Retries = DefaultRetries
	}
	var err error
	if opts.Timeout, err = cfg.durationValue(FieldTimeout); err != nil {
		return connpool.Options{}, err
	}
	if opts.Block, err = cfg.boolValue(FieldBlock, false); err != nil {
		return connpool.Options{}, err
	}
	if opts.MaxSize, err = cfg.intValue(FieldMaxSize, connpool.DefaultMaxSize); err != nil {
		return connpool.Options{}, err
	}
	if opts.SourceAddress, err = cfg.stringValue(FieldSourceAddress); err != nil {
		return connpool.Options{}, err
	}
	if !secure {
		return opts, nil
	}
	tlsOpts := &connpool.TLSOptions{}
	stringFields := []struct {
		name string
		dest *string
	}{
		{FieldKeyFile, &tlsOpts.KeyFile},
		{FieldCertFile, &tlsOpts.CertFile},
		{FieldCertReqs, &tlsOpts.CertReqs},
		{FieldCACerts, &tlsOpts.CACerts},
		{FieldCACertDir, &tlsOpts.CACertDir},
		{FieldSSLVersion, &tlsOpts.SSLVersion},
		{FieldServerHostname, &tlsOpts.ServerName},
	}
	for _, field := range stringFields {
		if *field.dest, err = cfg.stringValue(field.name); err != nil {
			return connpool.Options{}, err
		}
	}
	if raw := cfg[FieldSSLContext]; raw != nil {
		tlsConfig, ok := raw.(*tls.Config)
		if !ok {
			return connpool.Options{}, fmt.Errorf("%s: expected *tls.Config, got %T", FieldSSLContext, raw)
		}
		tlsOpts.Config = tlsConfig
	}
	opts.TLS = tlsOpts
	return opts, nil
}
