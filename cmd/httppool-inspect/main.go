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

// Command httppool-inspect loads a pool manager configuration, looks up
// the pools for the given URLs, and prints the resulting registry. With
// -serve, it then serves the diagnostics handler until interrupted.
//
//	httppool-inspect -config pools.toml https://example.com/ http://localhost:8080/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/config"
	"github.com/bufbuild/httppool/debughttp"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	capacity   int
	debug      bool
	serveAddr  string
	urls       []string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("httppool-inspect", flag.ContinueOnError)
	fs.SetOutput(output)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "TOML or YAML manager configuration file")
	fs.IntVar(&opts.capacity, "capacity", 0, "maximum number of pools (overrides the config file)")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.StringVar(&opts.serveAddr, "serve", "", "serve diagnostics at this address until interrupted")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.capacity < 0 {
		return options{}, fmt.Errorf("invalid -capacity %d", opts.capacity)
	}
	opts.urls = fs.Args()
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.File, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.capacity > 0 {
		cfg.Manager.Capacity = opts.capacity
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	managerOpts, err := cfg.ManagerOptions(logger)
	if err != nil {
		return err
	}
	mgr := httppool.NewManager(managerOpts...)
	return mgr.Use(func(mgr *httppool.Manager) error {
		for _, rawURL := range opts.urls {
			key, err := mgr.KeyForURL(rawURL, nil)
			if err != nil {
				fmt.Fprintf(stdout, "%s: %v\n", rawURL, err)
				continue
			}
			if _, err := mgr.PoolFromURL(rawURL, nil); err != nil {
				fmt.Fprintf(stdout, "%s: %v\n", rawURL, err)
				continue
			}
			fmt.Fprintf(stdout, "%s -> %v\n", rawURL, key)
		}
		fmt.Fprintf(stdout, "%d/%d pools\n", mgr.Len(), mgr.Capacity())
		for _, key := range mgr.Keys() {
			fmt.Fprintf(stdout, "  %v\n", key)
		}
		if opts.serveAddr == "" {
			return nil
		}
		return serve(ctx, opts.serveAddr, debughttp.NewHandler(mgr, logger), logger)
	})
}

func serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()
	logger.Info("serving diagnostics", zap.Stringer("addr", listener.Addr()))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
