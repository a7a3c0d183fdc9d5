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

// Package config loads pool manager settings from TOML or YAML files.
//
// A file has three sections: "manager" for the manager itself, "defaults"
// for the default pool configuration, and "logging". For example:
//
//	[manager]
//	capacity = 20
//	block = true
//	idle_pool_timeout = "5m"
//
//	[defaults]
//	timeout = "10s"
//	retries = 5
//
//	[logging]
//	level = "debug"
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bufbuild/httppool"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultLogLevel is the logging level used when a file does not set one.
const DefaultLogLevel = "info"

// ErrUnknownFormat is returned by Load for files whose extension is not
// one of .toml, .yaml, or .yml.
var ErrUnknownFormat = errors.New("unknown config file format")

// File is the contents of a configuration file.
type File struct {
	Manager  ManagerConfig  `toml:"manager" yaml:"manager"`
	Defaults map[string]any `toml:"defaults" yaml:"defaults"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

// ManagerConfig contains the settings of the manager itself.
type ManagerConfig struct {
	// Capacity is the maximum number of pools kept at once.
	Capacity int `toml:"capacity" yaml:"capacity"`
	// Block, if set, becomes the "block" default of every pool.
	Block *bool `toml:"block,omitempty" yaml:"block,omitempty"`
	// IdlePoolTimeout is a duration string, like "90s". Pools that go
	// unused for this long are closed. Empty disables idle expiry.
	IdlePoolTimeout string `toml:"idle_pool_timeout,omitempty" yaml:"idle_pool_timeout,omitempty"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is a zap level name: "debug", "info", "warn", or "error".
	Level string `toml:"level" yaml:"level"`
	// Development selects zap's human-friendly development encoding.
	Development bool `toml:"development" yaml:"development"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Manager: ManagerConfig{
			Capacity: httppool.DefaultCapacity,
		},
		Defaults: map[string]any{},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads configuration from a TOML (.toml) or YAML (.yaml, .yml)
// file. Settings missing from the file keep their default values. If the
// file doesn't exist, it returns the default configuration.
func Load(path string) (*File, error) {
	cfg := Default()

	var unmarshal func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		unmarshal = toml.Unmarshal
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Defaults == nil {
		cfg.Defaults = map[string]any{}
	}
	for name, value := range cfg.Defaults {
		cfg.Defaults[name] = normalize(value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (f *File) Validate() error {
	if f.Manager.Capacity < 1 {
		return errors.New("manager.capacity must be at least 1")
	}
	if _, err := f.idlePoolTimeout(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(f.logLevel()); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	for name := range f.Defaults {
		if name == "" {
			return errors.New("defaults: empty setting name")
		}
	}
	return nil
}

// ManagerOptions converts the configuration into options for
// httppool.NewManager. The given logger, if non-nil, is passed along with
// WithLogger.
func (f *File) ManagerOptions(logger *zap.Logger) ([]httppool.ManagerOption, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	idle, err := f.idlePoolTimeout()
	if err != nil {
		return nil, err
	}
	opts := []httppool.ManagerOption{
		httppool.WithCapacity(f.Manager.Capacity),
		httppool.WithDefaultConfig(httppool.Config(f.Defaults)),
	}
	if f.Manager.Block != nil {
		opts = append(opts, httppool.WithBlock(*f.Manager.Block))
	}
	if idle > 0 {
		opts = append(opts, httppool.WithIdlePoolTimeout(idle))
	}
	if logger != nil {
		opts = append(opts, httppool.WithLogger(logger))
	}
	return opts, nil
}

// Logger builds the logger described by the logging section.
func (f *File) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(f.logLevel())
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zapConfig := zap.NewProductionConfig()
	if f.Logging.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

func (f *File) logLevel() string {
	if f.Logging.Level == "" {
		return DefaultLogLevel
	}
	return f.Logging.Level
}

func (f *File) idlePoolTimeout() (time.Duration, error) {
	if f.Manager.IdlePoolTimeout == "" {
		return 0, nil
	}
	idle, err := time.ParseDuration(f.Manager.IdlePoolTimeout)
	if err != nil {
		return 0, fmt.Errorf("manager.idle_pool_timeout: %w", err)
	}
	if idle < 0 {
		return 0, errors.New("manager.idle_pool_timeout must not be negative")
	}
	return idle, nil
}

// normalize gives values decoded from either format the same Go types:
// TOML integers decode as int64 and YAML integers as int.
func normalize(value any) any {
	switch val := value.(type) {
	case int64:
		if val >= math.MinInt && val <= math.MaxInt {
			return int(val)
		}
		return val
	case uint64:
		if val <= math.MaxInt {
			return int(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, elem := range val {
			out[key] = normalize(elem)
		}
		return out
	default:
		return value
	}
}
