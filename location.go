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
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

//nolint:gochecknoglobals
var (
	defaultPorts = map[string]int{
		"http":  80,
		"https": 443,
	}

	// Like idna.Lookup, but underscores are allowed since they show up in
	// real-world hostnames (e.g. container names). Label syntax is checked
	// separately by validHostname.
	hostProfile = idna.New(
		idna.MapForLookup(),
		idna.Transitional(false),
		idna.StrictDomainName(false),
	)
)

// DefaultPort returns the port used for scheme when a URL or host omits
// one: 80 for "http", 443 for "https", and 0 for any other scheme.
func DefaultPort(scheme string) int {
	return defaultPorts[normalizeScheme(scheme)]
}

func normalizeScheme(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return strings.ToLower(scheme)
}

// normalizeHost validates host and returns its canonical form: IP
// addresses in their standard textual form (without brackets), and
// hostnames as lower-case ASCII, with any trailing dot removed.
func normalizeHost(host string) (string, error) {
	canonical, problem := canonicalHost(host)
	if problem != "" {
		return "", locationErrorf(host, "%s", problem)
	}
	return canonical, nil
}

// canonicalHost returns the canonical form of host, or a description of
// why host is not valid.
func canonicalHost(host string) (string, string) {
	if host == "" {
		return "", "no host specified"
	}
	trimmed := host
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		addr, err := netip.ParseAddr(trimmed[1 : len(trimmed)-1])
		if err != nil || !addr.Is6() {
			return "", "malformed IPv6 address"
		}
		return addr.String(), ""
	}
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return addr.String(), ""
	}
	trimmed = strings.TrimSuffix(trimmed, ".")
	ascii, err := hostProfile.ToASCII(trimmed)
	if err != nil {
		return "", "malformed host: " + err.Error()
	}
	if !validHostname(ascii) {
		return "", "malformed host"
	}
	return ascii, ""
}

func validHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			switch ch := label[i]; {
			case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			default:
				return false
			}
		}
	}
	return true
}

func normalizePort(scheme string, port int) (int, error) {
	if port < 0 || port > 65535 {
		return 0, locationErrorf(strconv.Itoa(port), "port out of range")
	}
	if port == 0 {
		return DefaultPort(scheme), nil
	}
	return port, nil
}

// parseLocation extracts the scheme, host, and port from rawURL. URLs
// without a scheme are treated as "http".
func parseLocation(rawURL string) (scheme, host string, port int, err error) {
	if rawURL == "" {
		return "", "", 0, locationErrorf(rawURL, "no URL specified")
	}
	withScheme := rawURL
	if !strings.Contains(rawURL, "://") {
		withScheme = "http://" + rawURL
	}
	parsed, err := url.Parse(withScheme)
	if err != nil {
		return "", "", 0, locationErrorf(rawURL, "%v", err)
	}
	scheme = normalizeScheme(parsed.Scheme)
	host, problem := canonicalHost(parsed.Hostname())
	if problem != "" {
		return "", "", 0, locationErrorf(rawURL, "%s", problem)
	}
	if portStr := parsed.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", "", 0, locationErrorf(rawURL, "invalid port %q", portStr)
		}
	}
	port, err = normalizePort(scheme, port)
	if err != nil {
		return "", "", 0, locationErrorf(rawURL, "port out of range")
	}
	return scheme, host, port, nil
}
