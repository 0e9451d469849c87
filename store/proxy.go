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

package store

import (
	"github.com/ytflow/ytflowcore/flow"
)

// Proxy is the analyzed, structured form of one stored proxy: a chain of
// legs, first leg dialed first.
type Proxy struct {
	Name         string
	Legs         []ProxyLeg
	UDPSupported bool
}

// ProxyLeg is one hop: a protocol, the hop's destination, and optional
// obfuscation and TLS layers beneath the protocol.
type ProxyLeg struct {
	Protocol ProxyProtocol
	Dest     flow.Destination
	Obfs     *ProxyObfs
	TLS      *ProxyTLS
}

// ProxyProtocol is a sum type; exactly one field is non-nil.
type ProxyProtocol struct {
	Shadowsocks *ShadowsocksProxy
	Trojan      *TrojanProxy
	HTTP        *HTTPProxy
	Socks5      *Socks5Proxy
	VMess       *VMessProxy
}

// ProvideUDP reports whether the protocol can relay UDP.
func (p ProxyProtocol) ProvideUDP() bool {
	return p.Shadowsocks != nil || p.Socks5 != nil || p.VMess != nil
}

type ShadowsocksProxy struct {
	Cipher   string
	Password []byte
}

type TrojanProxy struct {
	Password []byte
}

type HTTPProxy struct {
	Username []byte
	Password []byte
}

type Socks5Proxy struct {
	Username []byte
	Password []byte
}

type VMessProxy struct {
	UserID   [16]byte
	AlterID  uint16
	Security string
}

// ProxyObfs is a sum type; exactly one field is non-nil.
type ProxyObfs struct {
	HTTPObfs  *HTTPObfsObfs
	TLSObfs   *TLSObfsObfs
	WebSocket *WebSocketObfs
}

type HTTPObfsObfs struct {
	Host string
	Path string
}

type TLSObfsObfs struct {
	Host string
}

type WebSocketObfs struct {
	Host    string // empty means "use the destination host"
	Path    string
	Headers map[string]string
}

// ProxyTLS carries the TLS layer parameters of one leg.
type ProxyTLS struct {
	ALPN          []string
	SNI           string
	HasSNI        bool // distinguishes "no sni" from "empty sni"
	SkipCertCheck *bool
}
