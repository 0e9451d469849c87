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

import (
	"context"
	"net"
)

// StreamHandler accepts an already-established inbound Stream plus its
// FlowContext. Implementations are the consumer end of the dataplane:
// typically a Forward handler, a SOCKS5/VMess/Shadowsocks server, or a
// rule-dispatcher's matched next hop.
type StreamHandler interface {
	HandleStream(ctx context.Context, inbound Stream, fc Context) error
}

// DatagramSessionHandler is the datagram analogue of StreamHandler.
type DatagramSessionHandler interface {
	HandleDatagramSession(ctx context.Context, inbound DatagramSession, fc Context) error
}

// StreamOutboundFactory constructs a peer-side Stream for a given
// destination, optionally folding initialData into the handshake so
// protocols that can carry the first request atomically (Shadowsocks,
// SOCKS5, VMess) avoid a round trip. initialResponse carries back any
// bytes the peer sent inline with its own handshake reply; it is usually
// empty.
type StreamOutboundFactory interface {
	DialStream(ctx context.Context, dst Destination, initialData []byte) (conn Stream, initialResponse []byte, err error)
}

// DatagramSessionFactory constructs a peer-side DatagramSession bound for
// the given context's remote peer.
type DatagramSessionFactory interface {
	Bind(ctx context.Context, fc Context) (DatagramSession, error)
}

// Resolver resolves domain names to addresses. Implementations may cache,
// round-robin across upstreams, or synthesize fake IPs.
type Resolver interface {
	ResolveIPv4(ctx context.Context, name string) ([]net.IP, error)
	ResolveIPv6(ctx context.Context, name string) ([]net.IP, error)
}
