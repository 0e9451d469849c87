// Copyright 2023 The YtFlowCore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

import "net"

// Context carries the per-flow metadata threaded through a plugin chain:
// the inbound's local address, the remote destination the flow is bound
// for, and whether the destination's address family is sensitive (e.g.
// because it came from a fake-IP allocation and must not leak to a
// GeoIP/CIDR rule before resolution). Only Redirect and the SOCKS5 server
// mutate RemotePeer, rewriting it from the client's own CONNECT request.
type Context struct {
	LocalPeer   net.Addr
	RemotePeer  Destination
	AFSensitive bool
}

// Clone returns a shallow copy of c, safe to mutate independently.
func (c Context) Clone() Context { return c }
