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
	"maps"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// KeyContext is everything known about a lookup when its pool key is
// derived: the normalized destination and the merged configuration.
type KeyContext struct {
	// Scheme is the lower-case URL scheme.
	Scheme string
	// Host is the normalized host name or IP address.
	Host string
	// Port is the destination port. When the URL or host omitted it, this
	// is the scheme's default port.
	Port int
	// Config is the result of merging the manager's defaults with the
	// per-call override. Key functions must not modify it.
	Config Config
}

// KeyFunc derives a pool key from a lookup context. Lookups whose keys are
// equal share a pool, so a key function decides which differences between
// two lookups matter: anything it ignores does not affect pool identity.
//
// The returned value is used as a map key. It must be comparable, and two
// keys must be == exactly when they should share a pool. Pointers compare
// by identity. A non-comparable result is reported as a
// *ConfigurationError.
type KeyFunc func(KeyContext) (any, error)

// PoolKey is the key produced by the built-in key functions. The TLS
// fields are only populated for "https" keys; for "http" keys they are
// always nil, so TLS settings never split plaintext pools.
type PoolKey struct {
	Scheme        string
	Host          string
	Port          int
	Timeout       any
	Retries       any
	Block         any
	SourceAddress any

	KeyFile    any
	CertFile   any
	CertReqs   any
	CACerts    any
	CACertDir  any
	SSLVersion any
	SSLContext any
}

// String returns the destination of the key as "scheme://host:port".
func (k PoolKey) String() string {
	host := k.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return k.Scheme + "://" + host + ":" + strconv.Itoa(k.Port)
}

//nolint:gochecknoglobals
var (
	httpKeyFields = []string{
		FieldTimeout, FieldRetries, FieldBlock, FieldSourceAddress,
	}
	httpsKeyFields = append(append([]string(nil), httpKeyFields...),
		FieldKeyFile, FieldCertFile, FieldCertReqs, FieldCACerts,
		FieldCACertDir, FieldSSLVersion, FieldSSLContext,
	)

	// Seed for every manager's key function table. It is copied, never
	// shared, so changes to one manager's table are never visible to
	// another manager.
	defaultKeyFuncs = map[string]KeyFunc{
		"http":  HTTPPoolKey,
		"https": HTTPSPoolKey,
	}
)

// DefaultKeyFuncs returns a new copy of the built-in key function table,
// keyed by scheme.
func DefaultKeyFuncs() map[string]KeyFunc {
	return maps.Clone(defaultKeyFuncs)
}

// HTTPPoolKey is the built-in key function for plaintext pools. The key
// holds the destination plus the timeout, retries, block, and
// source_address settings. Settings absent from the merged configuration
// are nil in the key.
func HTTPPoolKey(kctx KeyContext) (any, error) {
	return buildPoolKey(kctx, httpKeyFields)
}

// HTTPSPoolKey is the built-in key function for TLS pools. In addition to
// the fields of HTTPPoolKey, its key holds key_file, cert_file, cert_reqs,
// ca_certs, ca_cert_dir, ssl_version, and ssl_context.
func HTTPSPoolKey(kctx KeyContext) (any, error) {
	return buildPoolKey(kctx, httpsKeyFields)
}

func buildPoolKey(kctx KeyContext, fields []string) (PoolKey, error) {
	key := PoolKey{
		Scheme: kctx.Scheme,
		Host:   kctx.Host,
		Port:   kctx.Port,
	}
	for _, name := range fields {
		value, err := canonicalValue(kctx.Config[name])
		if err != nil {
			return PoolKey{}, fmt.Errorf("%s: %w", name, err)
		}
		switch name {
		case FieldTimeout:
			key.Timeout = value
		case FieldRetries:
			key.Retries = value
		case FieldBlock:
			key.Block = value
		case FieldSourceAddress:
			key.SourceAddress = value
		case FieldKeyFile:
			key.KeyFile = value
		case FieldCertFile:
			key.CertFile = value
		case FieldCertReqs:
			key.CertReqs = value
		case FieldCACerts:
			key.CACerts = value
		case FieldCACertDir:
			key.CACertDir = value
		case FieldSSLVersion:
			key.SSLVersion = value
		case FieldSSLContext:
			key.SSLContext = value
		}
	}
	return key, nil
}

var errNotComparable = errors.New("value is not comparable")

// collectionKey is the comparable stand-in for a map or slice value in a
// pool key. It records the collection's type and its canonical elements
// in a fixed-size array, so elements keep their dynamic types: []any{1}
// and []any{1.0} produce different keys. Map entries are sorted, so two
// maps with the same contents produce equal keys regardless of iteration
// order.
type collectionKey struct {
	typ   reflect.Type
	elems any
}

type mapEntry struct {
	key   any
	value any
}

//nolint:gochecknoglobals
var (
	anyType      = reflect.TypeOf((*any)(nil)).Elem()
	mapEntryType = reflect.TypeOf(mapEntry{})
)

// canonicalValue returns a comparable value to use in place of v in a
// pool key.
func canonicalValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		entries := make([]mapEntry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			value, err := canonicalValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			entries = append(entries, mapEntry{key: iter.Key().Interface(), value: value})
		}
		sort.Slice(entries, func(i, j int) bool {
			return sortKey(entries[i].key) < sortKey(entries[j].key)
		})
		elems := reflect.New(reflect.ArrayOf(len(entries), mapEntryType)).Elem()
		for i, entry := range entries {
			elems.Index(i).Set(reflect.ValueOf(entry))
		}
		return collectionKey{typ: rv.Type(), elems: elems.Interface()}, nil
	case reflect.Slice:
		elems := reflect.New(reflect.ArrayOf(rv.Len(), anyType)).Elem()
		for i := range rv.Len() {
			elem, err := canonicalValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			if elem != nil {
				elems.Index(i).Set(reflect.ValueOf(elem))
			}
		}
		return collectionKey{typ: rv.Type(), elems: elems.Interface()}, nil
	}
	if !rv.Comparable() {
		return nil, fmt.Errorf("%w: %T", errNotComparable, v)
	}
	return v, nil
}

// sortKey orders map keys. Keys that render the same only risk splitting
// equal maps into separate pools, never merging different ones.
func sortKey(key any) string {
	return fmt.Sprintf("%T:%#v", key, key)
}

// deriveKey runs keyFn, falling back to HTTPPoolKey when the scheme has no
// key function, and makes sure the result can be used as a map key.
func deriveKey(keyFn KeyFunc, kctx KeyContext) (any, error) {
	if keyFn == nil {
		keyFn = HTTPPoolKey
	}
	key, err := keyFn(kctx)
	if err != nil {
		return nil, &ConfigurationError{Scheme: kctx.Scheme, Err: err}
	}
	if key == nil || !reflect.ValueOf(key).Comparable() {
		return nil, &ConfigurationError{
			Scheme: kctx.Scheme,
			Err:    fmt.Errorf("key function returned %w: %T", errNotComparable, key),
		}
	}
	return key, nil
}
