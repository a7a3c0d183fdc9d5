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
	"fmt"
	"maps"
	"time"
)

// Names of the configuration fields understood by the built-in key
// functions and pool factories. A Config may hold any other names too;
// they are carried along to custom key functions and factories.
const (
	FieldTimeout       = "timeout"
	FieldRetries       = "retries"
	FieldBlock         = "block"
	FieldSourceAddress = "source_address"
	FieldMaxSize       = "maxsize"

	FieldKeyFile        = "key_file"
	FieldCertFile       = "cert_file"
	FieldCertReqs       = "cert_reqs"
	FieldCACerts        = "ca_certs"
	FieldCACertDir      = "ca_cert_dir"
	FieldSSLVersion     = "ssl_version"
	FieldSSLContext     = "ssl_context"
	FieldServerHostname = "server_hostname"
)

// Config is a set of named pool settings. The manager holds a default
// Config that is merged with a per-call override on every lookup.
type Config map[string]any

// Clone returns a shallow copy of c. The copy of a nil Config is an empty,
// non-nil Config.
func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	return maps.Clone(c)
}

type unset struct{}

func (unset) String() string {
	return "httppool.Unset"
}

// Unset is a sentinel value for use in an override Config. Mapping a name
// to Unset removes that name from the merged configuration, rather than
// replacing the default's value. Removing a name that has no default is
// not an error.
//
//	mgr.PoolFromURL("https://example.com/", httppool.Config{
//		httppool.FieldTimeout: httppool.Unset,
//	})
//
//nolint:gochecknoglobals
var Unset any = unset{}

// IsUnset reports whether v is the Unset sentinel.
func IsUnset(v any) bool {
	_, ok := v.(unset)
	return ok
}

// Merge combines defaults with override. The result starts as a copy of
// defaults; then, for every entry in override, the entry replaces the
// default, unless its value is Unset, in which case the name is removed.
// Neither input is modified. Merge never fails: names unknown to defaults
// are simply added (or, for Unset, ignored).
func Merge(defaults, override Config) Config {
	merged := defaults.Clone()
	for name, value := range override {
		if IsUnset(value) {
			delete(merged, name)
			continue
		}
		merged[name] = value
	}
	return merged
}

func (c Config) boolValue(name string, def bool) (bool, error) {
	raw, ok := c[name]
	if !ok || raw == nil {
		return def, nil
	}
	val, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %T", name, raw)
	}
	return val, nil
}

func (c Config) intValue(name string, def int) (int, error) {
	raw, ok := c[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch val := raw.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case int32:
		return int(val), nil
	case uint:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, fmt.Errorf("%s: expected integer, got %v", name, val)
		}
		return int(val), nil
	default:
		return 0, fmt.Errorf("%s: expected integer, got %T", name, raw)
	}
}

func (c Config) stringValue(name string) (string, error) {
	raw, ok := c[name]
	if !ok || raw == nil {
		return "", nil
	}
	val, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", name, raw)
	}
	return val, nil
}

// durationValue accepts a time.Duration, a string understood by
// time.ParseDuration, or a number of seconds.
func (c Config) durationValue(name string) (time.Duration, error) {
	raw, ok := c[name]
	if !ok || raw == nil {
		return 0, nil
	}
	switch val := raw.(type) {
	case time.Duration:
		return val, nil
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return dur, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%s: expected duration, got %T", name, raw)
	}
}
