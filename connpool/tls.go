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
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Accepted values for TLSOptions.CertReqs.
const (
	CertNone     = "CERT_NONE"
	CertRequired = "CERT_REQUIRED"
)

//nolint:gochecknoglobals
var sslVersions = map[string]uint16{
	"":        0,
	"SSLv23":  0, // negotiate the highest version both sides support
	"TLS":     0,
	"TLSv1":   tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// TLSOptions describe how a pool's TLS connections are configured. The
// file-based settings are only read when the first connection is dialed.
type TLSOptions struct {
	// Config, if non-nil, is the base configuration. It is cloned, never
	// modified.
	Config *tls.Config
	// CertFile and KeyFile name PEM files holding a client certificate and
	// its private key. If only CertFile is set, it must hold both.
	CertFile string
	KeyFile  string
	// CACerts names a PEM bundle of trusted root certificates.
	CACerts string
	// CACertDir names a directory of PEM files with trusted root
	// certificates. Files that hold no certificates are skipped.
	CACertDir string
	// CertReqs is CertRequired (the default when empty) or CertNone, which
	// disables verification of the server's certificate.
	CertReqs string
	// SSLVersion is the minimum protocol version: "TLSv1", "TLSv1.1",
	// "TLSv1.2", or "TLSv1.3". "SSLv23", "TLS", or empty use the
	// crypto/tls default.
	SSLVersion string
	// ServerName overrides the name used for SNI and certificate
	// verification. Defaults to the pool's host.
	ServerName string
}

func (o *TLSOptions) validate() error {
	switch o.CertReqs {
	case "", CertNone, CertRequired:
	default:
		return fmt.Errorf("connpool: unsupported cert_reqs %q", o.CertReqs)
	}
	if _, ok := sslVersions[o.SSLVersion]; !ok {
		return fmt.Errorf("connpool: unsupported ssl_version %q", o.SSLVersion)
	}
	if o.KeyFile != "" && o.CertFile == "" {
		return errors.New("connpool: key_file given without cert_file")
	}
	return nil
}

type tlsConfigResult struct {
	config *tls.Config
	err    error
}

func (p *Pool) loadTLSConfig() *tlsConfigResult {
	p.tlsOnce.Do(func() {
		config, err := buildTLSConfig(p.opts.TLS, p.opts.Host)
		p.tlsConfig = &tlsConfigResult{config: config, err: err}
	})
	return p.tlsConfig
}

func buildTLSConfig(opts *TLSOptions, host string) (*tls.Config, error) {
	var config *tls.Config
	if opts.Config != nil {
		config = opts.Config.Clone()
	} else {
		config = &tls.Config{} //nolint:gosec // MinVersion comes from SSLVersion
	}
	if opts.ServerName != "" {
		config.ServerName = opts.ServerName
	} else if config.ServerName == "" {
		config.ServerName = host
	}
	if minVersion := sslVersions[opts.SSLVersion]; minVersion != 0 {
		config.MinVersion = minVersion
	}
	if opts.CertReqs == CertNone {
		config.InsecureSkipVerify = true //nolint:gosec // explicitly requested
	}
	if opts.CACerts != "" || opts.CACertDir != "" {
		roots, err := loadRoots(opts.CACerts, opts.CACertDir)
		if err != nil {
			return nil, err
		}
		config.RootCAs = roots
	}
	if opts.CertFile != "" {
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = opts.CertFile
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		config.Certificates = append(config.Certificates, cert)
	}
	return config, nil
}

func loadRoots(bundle, dir string) (*x509.CertPool, error) {
	roots := x509.NewCertPool()
	if bundle != "" {
		data, err := os.ReadFile(bundle)
		if err != nil {
			return nil, fmt.Errorf("reading ca_certs: %w", err)
		}
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", bundle)
		}
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading ca_cert_dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading ca_cert_dir: %w", err)
			}
			roots.AppendCertsFromPEM(data)
		}
	}
	return roots, nil
}

func handshake(ctx context.Context, conn net.Conn, config *tls.Config) (net.Conn, error) {
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
