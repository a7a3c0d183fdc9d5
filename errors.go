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
	"errors"
	"fmt"

	"github.com/bufbuild/httppool/connpool"
)

var (
	// ErrLocation is the sentinel wrapped by every *LocationError, so
	// callers may test for it with [errors.Is].
	ErrLocation = errors.New("invalid location")

	// ErrPoolClosed is returned by the default connection pools when they
	// are used after the manager has closed them, whether through eviction,
	// removal, or Clear. The manager never masks this error: it is only
	// observed the next time the pool is used.
	ErrPoolClosed = connpool.ErrPoolClosed

	// ErrPoolExhausted is returned by the default connection pools when
	// the "block" setting is false and every connection is in use.
	ErrPoolExhausted = connpool.ErrPoolExhausted
)

// LocationError indicates that a URL or host could not be turned into a
// destination: the host is missing or malformed, the port is invalid, or
// the scheme is not supported. It is always reported before the registry
// is consulted, so a failed lookup has no side effects.
type LocationError struct {
	// Location is the URL, host, or scheme that was rejected.
	Location string
	// Reason describes what was wrong with it.
	Reason string
}

func (e *LocationError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("invalid location: %s", e.Reason)
	}
	return fmt.Sprintf("invalid location %q: %s", e.Location, e.Reason)
}

// Unwrap returns ErrLocation.
func (e *LocationError) Unwrap() error {
	return ErrLocation
}

func locationErrorf(location string, format string, args ...any) error {
	return &LocationError{Location: location, Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError indicates that the merged configuration could not be
// used: a key function failed, a value that must be part of the key is not
// comparable, or a built-in factory rejected a setting. Errors returned by
// custom key functions are wrapped, not replaced, so [errors.Is] and
// [errors.As] still find them.
type ConfigurationError struct {
	Scheme string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid pool configuration for scheme %q: %v", e.Scheme, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
