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

package plugins

import (
	"github.com/google/uuid"

	"github.com/ytflow/ytflowcore/plugin"
	"github.com/ytflow/ytflowcore/proxy/http"
	"github.com/ytflow/ytflowcore/proxy/obfs"
	"github.com/ytflow/ytflowcore/proxy/shadowsocks"
	"github.com/ytflow/ytflowcore/proxy/socks5"
	"github.com/ytflow/ytflowcore/proxy/tls"
	"github.com/ytflow/ytflowcore/proxy/trojan"
	"github.com/ytflow/ytflowcore/proxy/vmess"
)

func init() {
	plugin.Default.Register("shadowsocks-client", 0, parseShadowsocksClient)
	plugin.Default.Register("trojan-client", 0, parseTrojanClient)
	plugin.Default.Register("http-proxy-client", 0, parseHTTPProxyClient)
	plugin.Default.Register("socks5-client", 0, parseSocks5Client)
	plugin.Default.Register("socks5-server", 0, parseSocks5Server)
	plugin.Default.Register("vmess-client", 0, parseVMessClient)
	plugin.Default.Register("tls-client", 0, parseTLSClient)
	plugin.Default.Register("ws-client", 0, parseWSClient)
	plugin.Default.Register("http-obfs-client", 0, parseHTTPObfsClient)
	plugin.Default.Register("tls-obfs-client", 0, parseTLSObfsClient)
}

// outboundClientFactory is the shared Factory shape of every client that
// wraps one lower `.tcp` outbound: it demands its next APs and provides
// its own `.tcp` (and optionally `.udp`).
type outboundClientFactory struct {
	name     string
	requires []plugin.Demand
	provides []plugin.Provide
	load     func(set *plugin.PartialSet, h *plugin.Handle) error
}

func (f *outboundClientFactory) Requires() []plugin.Demand  { return f.requires }
func (f *outboundClientFactory) Provides() []plugin.Provide { return f.provides }

func (f *outboundClientFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{}
	for _, p := range f.provides {
		h.Kind |= p.Types
		set.Publish(p.AP, h)
	}
	return f.load(set, h)
}

func tcpProvide(name string) []plugin.Provide {
	return []plugin.Provide{{AP: name + ".tcp", Types: plugin.StreamOutboundFactoryKind}}
}

func tcpDemand(ap string) []plugin.Demand {
	return []plugin.Demand{{AP: ap, Types: plugin.StreamOutboundFactoryKind}}
}

type shadowsocksClientConfig struct {
	Method   string `cbor:"method"`
	Password []byte `cbor:"password"`
	TCPNext  string `cbor:"tcp_next"`
	UDPNext  string `cbor:"udp_next"`
}

func parseShadowsocksClient(name string, param []byte) (plugin.Factory, error) {
	var cfg shadowsocksClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	cipher, err := shadowsocks.NewCipher(cfg.Method, string(cfg.Password))
	if err != nil {
		return nil, plugin.RequireField(name, "method", false)
	}
	if err := plugin.RequireField(name, "tcp_next", cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.TCPNext),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.TCPNext)
			if err != nil {
				return err
			}
			h.OutboundFactory = &shadowsocks.StreamDialer{Lower: lower, Cipher: cipher}
			return nil
		},
	}, nil
}

type trojanClientConfig struct {
	Password []byte `cbor:"password"`
	TLSNext  string `cbor:"tls_next"`
}

func parseTrojanClient(name string, param []byte) (plugin.Factory, error) {
	var cfg trojanClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tls_next", cfg.TLSNext != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.TLSNext),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.TLSNext)
			if err != nil {
				return err
			}
			h.OutboundFactory = &trojan.StreamDialer{Lower: lower, Password: cfg.Password}
			return nil
		},
	}, nil
}

type httpProxyClientConfig struct {
	User    []byte `cbor:"user"`
	Pass    []byte `cbor:"pass"`
	TCPNext string `cbor:"tcp_next"`
}

func parseHTTPProxyClient(name string, param []byte) (plugin.Factory, error) {
	var cfg httpProxyClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.TCPNext),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.TCPNext)
			if err != nil {
				return err
			}
			h.OutboundFactory = &http.StreamDialer{Lower: lower, User: cfg.User, Pass: cfg.Pass}
			return nil
		},
	}, nil
}

type socks5ClientConfig struct {
	User    []byte `cbor:"user"`
	Pass    []byte `cbor:"pass"`
	TCPNext string `cbor:"tcp_next"`
	UDPNext string `cbor:"udp_next"`
}

func parseSocks5Client(name string, param []byte) (plugin.Factory, error) {
	var cfg socks5ClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	var cred *socks5.Credentials
	if len(cfg.User) > 0 || len(cfg.Pass) > 0 {
		cred = &socks5.Credentials{Username: cfg.User, Password: cfg.Pass}
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.TCPNext),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.TCPNext)
			if err != nil {
				return err
			}
			h.OutboundFactory = &socks5.StreamDialer{Lower: lower, Cred: cred}
			return nil
		},
	}, nil
}

type socks5ServerConfig struct {
	User    []byte `cbor:"user"`
	Pass    []byte `cbor:"pass"`
	TCPNext string `cbor:"tcp_next"`
}

func parseSocks5Server(name string, param []byte) (plugin.Factory, error) {
	var cfg socks5ServerConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	var cred *socks5.Credentials
	if len(cfg.User) > 0 || len(cfg.Pass) > 0 {
		cred = &socks5.Credentials{Username: cfg.User, Password: cfg.Pass}
	}
	return &outboundClientFactory{
		name:     name,
		requires: []plugin.Demand{{AP: cfg.TCPNext, Types: plugin.StreamHandlerKind}},
		provides: []plugin.Provide{{AP: name + ".tcp", Types: plugin.StreamHandlerKind}},
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			next, err := requireStreamHandler(set, cfg.TCPNext)
			if err != nil {
				return err
			}
			h.StreamHandler = &socks5.Server{Cred: cred, Next: next}
			return nil
		},
	}, nil
}

type vmessClientConfig struct {
	UserID   string `cbor:"user_id"`
	AlterID  uint16 `cbor:"alter_id"`
	Security string `cbor:"security"`
	TCPNext  string `cbor:"tcp_next"`
}

func parseVMessClient(name string, param []byte) (plugin.Factory, error) {
	var cfg vmessClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(cfg.UserID)
	if err != nil {
		return nil, plugin.RequireField(name, "user_id", false)
	}
	sec, err := vmess.ParseSecurity(cfg.Security)
	if err != nil {
		return nil, plugin.RequireField(name, "security", false)
	}
	if err := plugin.RequireField(name, "tcp_next", cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.TCPNext),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.TCPNext)
			if err != nil {
				return err
			}
			// alter_id selects the legacy header; AEAD took over at 0.
			h.OutboundFactory = &vmess.StreamDialer{
				Lower:    lower,
				UserID:   [16]byte(userID),
				Security: sec,
				Legacy:   cfg.AlterID > 0,
			}
			return nil
		},
	}, nil
}

type tlsClientConfig struct {
	SNI           string   `cbor:"sni"`
	ALPN          []string `cbor:"alpn"`
	SkipCertCheck *bool    `cbor:"skip_cert_check"`
	Next          string   `cbor:"next"`
}

func parseTLSClient(name string, param []byte) (plugin.Factory, error) {
	var cfg tlsClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "next", cfg.Next != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.Next),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.Next)
			if err != nil {
				return err
			}
			h.OutboundFactory = &tls.StreamDialer{
				Lower: lower,
				Config: tls.ClientConfig{
					ServerName:    cfg.SNI,
					NextProtos:    cfg.ALPN,
					SkipCertCheck: cfg.SkipCertCheck != nil && *cfg.SkipCertCheck,
				},
			}
			return nil
		},
	}, nil
}

type wsClientConfig struct {
	Host    string            `cbor:"host"`
	Path    string            `cbor:"path"`
	Headers map[string]string `cbor:"headers"`
	Next    string            `cbor:"next"`
}

func parseWSClient(name string, param []byte) (plugin.Factory, error) {
	var cfg wsClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "next", cfg.Next != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.Next),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.Next)
			if err != nil {
				return err
			}
			h.OutboundFactory = &obfs.WebSocketDialer{
				Lower:   lower,
				Host:    cfg.Host,
				Path:    cfg.Path,
				Headers: cfg.Headers,
			}
			return nil
		},
	}, nil
}

type httpObfsClientConfig struct {
	Host string `cbor:"host"`
	Path string `cbor:"path"`
	Next string `cbor:"next"`
}

func parseHTTPObfsClient(name string, param []byte) (plugin.Factory, error) {
	var cfg httpObfsClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "next", cfg.Next != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.Next),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.Next)
			if err != nil {
				return err
			}
			h.OutboundFactory = &obfs.SimpleHTTPDialer{Lower: lower, Host: cfg.Host, Path: cfg.Path}
			return nil
		},
	}, nil
}

type tlsObfsClientConfig struct {
	Host string `cbor:"host"`
	Next string `cbor:"next"`
}

func parseTLSObfsClient(name string, param []byte) (plugin.Factory, error) {
	var cfg tlsObfsClientConfig
	if err := plugin.DecodeParam(name, param, &cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "next", cfg.Next != ""); err != nil {
		return nil, err
	}
	return &outboundClientFactory{
		name:     name,
		requires: tcpDemand(cfg.Next),
		provides: tcpProvide(name),
		load: func(set *plugin.PartialSet, h *plugin.Handle) error {
			lower, err := requireTCPOutbound(set, cfg.Next)
			if err != nil {
				return err
			}
			h.OutboundFactory = &obfs.SimpleTLSDialer{Lower: lower, Host: cfg.Host}
			return nil
		},
	}, nil
}
