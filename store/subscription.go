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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// sip008Server is one server entry of a SIP008 subscription document.
type sip008Server struct {
	ID         string `json:"id"`
	Remarks    string `json:"remarks"`
	Server     string `json:"server"`
	ServerPort uint16 `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Plugin     string `json:"plugin"`
	PluginOpts string `json:"plugin_opts"`
}

type sip008Doc struct {
	Version int            `json:"version"`
	Servers []sip008Server `json:"servers"`
}

// DecodeSIP008 parses a SIP008 subscription: either a bare JSON array of
// servers or a {version: 1, servers: [...]} document.
func DecodeSIP008(doc []byte) ([]Proxy, error) {
	var servers []sip008Server
	if err := json.Unmarshal(doc, &servers); err != nil {
		var versioned sip008Doc
		if err := json.Unmarshal(doc, &versioned); err != nil {
			return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
		}
		if versioned.Version != 1 {
			return nil, ytflowerr.New(ytflowerr.KindUnknownVersion, fmt.Sprint(versioned.Version))
		}
		servers = versioned.Servers
	}

	proxies := make([]Proxy, 0, len(servers))
	for _, s := range servers {
		if !supportedSSCipher(s.Method) {
			return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "method")
		}
		leg := ProxyLeg{
			Protocol: ProxyProtocol{Shadowsocks: &ShadowsocksProxy{
				Cipher:   s.Method,
				Password: []byte(s.Password),
			}},
			Dest: flow.Destination{Host: parseHost(s.Server), Port: s.ServerPort},
		}
		if s.Plugin != "" {
			if err := decodeSSPluginOpts(s.Plugin, s.PluginOpts, &leg); err != nil {
				return nil, err
			}
		}
		name := s.Remarks
		if name == "" {
			name = leg.Dest.String()
		}
		proxies = append(proxies, Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: true})
	}
	return proxies, nil
}

// surgeProxy is one parsed Surge proxy-list line before underlying-proxy
// chains are resolved.
type surgeProxy struct {
	proxy      Proxy
	underlying string
}

// DecodeSurgeProxyList parses a Surge proxy-list document. Lines have the
// shape "name = type, host, port, key=value...". underlying-proxy
// references chain proxies into multi-leg results: the underlying leg
// dials first.
func DecodeSurgeProxyList(doc []byte) ([]Proxy, error) {
	parsed := map[string]*surgeProxy{}
	var order []string

	for _, raw := range strings.Split(string(doc), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		name, spec, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		sp, err := parseSurgeLine(name, strings.TrimSpace(spec))
		if err != nil {
			return nil, err
		}
		if sp == nil {
			continue
		}
		parsed[name] = sp
		order = append(order, name)
	}

	proxies := make([]Proxy, 0, len(order))
	for _, name := range order {
		sp := parsed[name]
		legs, err := resolveSurgeChain(parsed, name, 0)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, Proxy{
			Name:         name,
			Legs:         legs,
			UDPSupported: sp.proxy.UDPSupported,
		})
	}
	return proxies, nil
}

const maxSurgeChainDepth = 8

// resolveSurgeChain flattens underlying-proxy references, underlying leg
// first.
func resolveSurgeChain(parsed map[string]*surgeProxy, name string, depth int) ([]ProxyLeg, error) {
	if depth > maxSurgeChainDepth {
		return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	sp, ok := parsed[name]
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "underlying-proxy")
	}
	if sp.underlying == "" {
		return append([]ProxyLeg(nil), sp.proxy.Legs...), nil
	}
	under, err := resolveSurgeChain(parsed, sp.underlying, depth+1)
	if err != nil {
		return nil, err
	}
	return append(under, sp.proxy.Legs...), nil
}

func parseSurgeLine(name, spec string) (*surgeProxy, error) {
	fields := strings.Split(spec, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 1 {
		return nil, nil
	}
	kind := fields[0]
	kvs := map[string]string{}
	var positional []string
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			kvs[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else {
			positional = append(positional, f)
		}
	}
	if len(positional) < 2 && kind != "direct" && kind != "reject" {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "server")
	}

	dest := func() (flow.Destination, error) {
		port, err := strconv.ParseUint(positional[1], 10, 16)
		if err != nil {
			return flow.Destination{}, ytflowerr.New(ytflowerr.KindInvalidEncoding)
		}
		return flow.Destination{Host: parseHost(positional[0]), Port: uint16(port)}, nil
	}

	sp := &surgeProxy{underlying: kvs["underlying-proxy"]}
	udpRelay := kvs["udp-relay"] == "true"

	switch kind {
	case "ss", "custom":
		d, err := dest()
		if err != nil {
			return nil, err
		}
		method := kvs["encrypt-method"]
		if !supportedSSCipher(method) {
			return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "encrypt-method")
		}
		leg := ProxyLeg{
			Protocol: ProxyProtocol{Shadowsocks: &ShadowsocksProxy{
				Cipher:   method,
				Password: []byte(kvs["password"]),
			}},
			Dest: d,
		}
		switch kvs["obfs"] {
		case "":
		case "http":
			path := kvs["obfs-uri"]
			if path == "" {
				path = "/"
			}
			host := kvs["obfs-host"]
			if host == "" {
				host = d.Host.String()
			}
			leg.Obfs = &ProxyObfs{HTTPObfs: &HTTPObfsObfs{Host: host, Path: path}}
		case "tls":
			host := kvs["obfs-host"]
			if host == "" {
				host = d.Host.String()
			}
			leg.Obfs = &ProxyObfs{TLSObfs: &TLSObfsObfs{Host: host}}
		default:
			return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "obfs")
		}
		sp.proxy = Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: udpRelay}
	case "trojan":
		d, err := dest()
		if err != nil {
			return nil, err
		}
		tls := &ProxyTLS{}
		if v, ok := kvs["sni"]; ok {
			tls.SNI, tls.HasSNI = v, true
		}
		if v, ok := kvs["skip-cert-verify"]; ok {
			skip := v == "true"
			tls.SkipCertCheck = &skip
		}
		sp.proxy = Proxy{Name: name, Legs: []ProxyLeg{{
			Protocol: ProxyProtocol{Trojan: &TrojanProxy{Password: []byte(kvs["password"])}},
			Dest:     d,
			TLS:      tls,
		}}, UDPSupported: udpRelay}
	case "http", "https":
		d, err := dest()
		if err != nil {
			return nil, err
		}
		leg := ProxyLeg{
			Protocol: ProxyProtocol{HTTP: &HTTPProxy{
				Username: []byte(kvs["username"]),
				Password: []byte(kvs["password"]),
			}},
			Dest: d,
		}
		if kind == "https" {
			leg.TLS = &ProxyTLS{}
		}
		sp.proxy = Proxy{Name: name, Legs: []ProxyLeg{leg}}
	case "socks5", "socks5-tls":
		d, err := dest()
		if err != nil {
			return nil, err
		}
		leg := ProxyLeg{
			Protocol: ProxyProtocol{Socks5: &Socks5Proxy{
				Username: []byte(kvs["username"]),
				Password: []byte(kvs["password"]),
			}},
			Dest: d,
		}
		if kind == "socks5-tls" {
			leg.TLS = &ProxyTLS{}
		}
		sp.proxy = Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: udpRelay}
	case "direct", "reject":
		return nil, nil
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "type")
	}
	return sp, nil
}
