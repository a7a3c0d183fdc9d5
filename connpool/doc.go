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

// Package connpool provides the connection pools created by the built-in
// factories of [github.com/bufbuild/httppool].
//
// A Pool holds reusable network connections to a single destination:
// one scheme, host, and port. Connections are established lazily by
// Acquire and handed back with Release, after which they are kept idle
// for the next Acquire. The number of connections checked out at once is
// capped by Options.MaxSize. When that cap is reached, Acquire either waits
// for a connection to be released (Options.Block) or fails immediately
// with ErrPoolExhausted.
//
// For TLS destinations, the tls.Config is assembled from TLSOptions the
// first time a connection is dialed, so creating a Pool never touches the
// file system or the network.
//
// Once a pool is closed, Acquire and Release both fail with ErrPoolClosed.
// A connection that was checked out when the pool closed is closed when it
// is released.
package connpool
