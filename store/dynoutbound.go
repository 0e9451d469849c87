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
	"fmt"
	"net"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// DynOutboundPlugin is one plugin entry of a DynOutbound v1 document.
// Param is a CBOR byte string whose content is itself a CBOR map.
type DynOutboundPlugin struct {
	Name          string `cbor:"name"`
	Plugin        string `cbor:"plugin"`
	PluginVersion uint16 `cbor:"plugin_version"`
	Param         []byte `cbor:"param"`
}

// DynOutboundProxy is a DynOutbound v1 document: the plugin graph stored
// for one proxy, entered via TCPEntry (and UDPEntry when UDP relaying is
// supported).
type DynOutboundProxy struct {
	TCPEntry string              `cbor:"tcp_entry"`
	UDPEntry *string             `cbor:"udp_entry"`
	Plugins  []DynOutboundPlugin `cbor:"plugins"`
}

// canonical CBOR so composing the same proxy twice yields identical bytes.
var dynEncMode, _ = cbor.CanonicalEncOptions().EncMode()

func mustParam(v any) []byte {
	b, err := dynEncMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: cannot encode plugin param: %v", err))
	}
	return b
}

// hostParamValue mirrors the plugin config convention: text for domains
// and for literal IPs alike (the loader re-parses).
func hostParamValue(h flow.HostName) string { return h.String() }

func encodeTLS(tls *ProxyTLS, name, next string) DynOutboundPlugin {
	param := map[string]any{
		"alpn": tls.ALPN,
		"next": next,
	}
	if tls.HasSNI {
		param["sni"] = tls.SNI
	} else {
		param["sni"] = nil
	}
	if tls.SkipCertCheck != nil {
		param["skip_cert_check"] = *tls.SkipCertCheck
	} else {
		param["skip_cert_check"] = nil
	}
	return DynOutboundPlugin{Name: name, Plugin: "tls-client", Param: mustParam(param)}
}

func encodeObfs(obfs *ProxyObfs, name, next string) DynOutboundPlugin {
	switch {
	case obfs.HTTPObfs != nil:
		return DynOutboundPlugin{Name: name, Plugin: "http-obfs-client", Param: mustParam(map[string]any{
			"host": obfs.HTTPObfs.Host,
			"path": obfs.HTTPObfs.Path,
			"next": next,
		})}
	case obfs.TLSObfs != nil:
		return DynOutboundPlugin{Name: name, Plugin: "tls-obfs-client", Param: mustParam(map[string]any{
			"host": obfs.TLSObfs.Host,
			"next": next,
		})}
	default:
		headers := obfs.WebSocket.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		param := map[string]any{
			"path":    obfs.WebSocket.Path,
			"headers": headers,
			"next":    next,
		}
		if obfs.WebSocket.Host != "" {
			param["host"] = obfs.WebSocket.Host
		} else {
			param["host"] = nil
		}
		return DynOutboundPlugin{Name: name, Plugin: "ws-client", Param: mustParam(param)}
	}
}

func encodeRedirect(dest flow.Destination, name, tcpNext, udpNext string) DynOutboundPlugin {
	return DynOutboundPlugin{Name: name, Plugin: "redirect", Param: mustParam(map[string]any{
		"dest": map[string]any{
			"host": hostParamValue(dest.Host),
			"port": dest.Port,
		},
		"tcp_next": tcpNext,
		"udp_next": udpNext,
	})}
}

func encodeProtocol(p ProxyProtocol, name, tcpNext, udpNext string) DynOutboundPlugin {
	switch {
	case p.Shadowsocks != nil:
		return DynOutboundPlugin{Name: name, Plugin: "shadowsocks-client", Param: mustParam(map[string]any{
			"method":   p.Shadowsocks.Cipher,
			"password": p.Shadowsocks.Password,
			"tcp_next": tcpNext,
			"udp_next": udpNext,
		})}
	case p.Trojan != nil:
		return DynOutboundPlugin{Name: name, Plugin: "trojan-client", Param: mustParam(map[string]any{
			"password": p.Trojan.Password,
			"tls_next": tcpNext,
		})}
	case p.HTTP != nil:
		return DynOutboundPlugin{Name: name, Plugin: "http-proxy-client", Param: mustParam(map[string]any{
			"user":     p.HTTP.Username,
			"pass":     p.HTTP.Password,
			"tcp_next": tcpNext,
		})}
	case p.Socks5 != nil:
		return DynOutboundPlugin{Name: name, Plugin: "socks5-client", Param: mustParam(map[string]any{
			"user":     p.Socks5.Username,
			"pass":     p.Socks5.Password,
			"tcp_next": tcpNext,
			"udp_next": udpNext,
		})}
	default:
		return DynOutboundPlugin{Name: name, Plugin: "vmess-client", Param: mustParam(map[string]any{
			"user_id":  uuid.UUID(p.VMess.UserID).String(),
			"alter_id": p.VMess.AlterID,
			"security": p.VMess.Security,
			"tcp_next": tcpNext,
		})}
	}
}

// ComposeDataProxy serializes a Proxy into its DynOutbound v1 CBOR
// document: each leg becomes up to four plugins (tls, obfs, redirect,
// protocol) chained onto the previous leg, entered at the last leg's
// protocol plugin.
func ComposeDataProxy(p *Proxy) ([]byte, error) {
	if len(p.Legs) == 0 {
		return nil, ytflowerr.New(ytflowerr.KindNoLeg)
	}
	var doc DynOutboundProxy
	if len(p.Legs) == 1 {
		doc = composeLeg(&p.Legs[0], "", "$out.tcp", "$out.udp")
	} else {
		tcpOutbound, udpOutbound := "$out.tcp", "$out.udp"
		for i := range p.Legs {
			legDoc := composeLeg(&p.Legs[i], fmt.Sprint(i+1), tcpOutbound, udpOutbound)
			doc.Plugins = append(doc.Plugins, legDoc.Plugins...)
			tcpOutbound = legDoc.TCPEntry
			if legDoc.UDPEntry != nil {
				udpOutbound = *legDoc.UDPEntry
			} else {
				udpOutbound = "$null.udp"
			}
		}
		doc.TCPEntry = tcpOutbound
		if udpOutbound != "$null.udp" {
			doc.UDPEntry = &udpOutbound
		}
	}
	if !p.UDPSupported {
		doc.UDPEntry = nil
	}
	return dynEncMode.Marshal(&doc)
}

// composeLeg emits one leg's plugins. suffix distinguishes multi-leg
// plugin names (t1, o1, r1, p1, ...); single-leg documents use bare names.
func composeLeg(leg *ProxyLeg, suffix, tcpOutbound, udpOutbound string) DynOutboundProxy {
	var plugins []DynOutboundPlugin
	if leg.TLS != nil {
		name := "t" + suffix
		plugins = append(plugins, encodeTLS(leg.TLS, name, tcpOutbound))
		tcpOutbound = name + ".tcp"
	}
	if leg.Obfs != nil {
		name := "o" + suffix
		plugins = append(plugins, encodeObfs(leg.Obfs, name, tcpOutbound))
		tcpOutbound = name + ".tcp"
	}
	redirName := "r" + suffix
	plugins = append(plugins, encodeRedirect(leg.Dest, redirName, tcpOutbound, udpOutbound))
	protoName := "p" + suffix
	plugins = append(plugins, encodeProtocol(leg.Protocol, protoName, redirName+".tcp", redirName+".udp"))

	doc := DynOutboundProxy{TCPEntry: protoName + ".tcp", Plugins: plugins}
	if leg.Protocol.ProvideUDP() {
		udpEntry := protoName + ".udp"
		doc.UDPEntry = &udpEntry
	}
	return doc
}

// analyzer walks a DynOutbound document backwards from its entry,
// consuming each plugin exactly once and reconstructing the leg chain.
type analyzer struct {
	name          string
	udpSupported  bool
	plugins       map[string]*DynOutboundPlugin
	current       *DynOutboundPlugin
	expectNextUDP *bool
}

// AnalyzeDataProxy parses a DynOutbound v1 CBOR document back into the
// structured Proxy it was composed from. Documents the composer cannot
// produce (shared plugins, unknown kinds, tangled UDP chains) are
// rejected with TooComplicated rather than guessed at.
func AnalyzeDataProxy(name string, data []byte) (*Proxy, error) {
	var doc DynOutboundProxy
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}

	plugins := make(map[string]*DynOutboundPlugin, len(doc.Plugins))
	for i := range doc.Plugins {
		p := &doc.Plugins[i]
		if _, dup := plugins[p.Name]; dup {
			return nil, ytflowerr.New(ytflowerr.KindDuplicateName, p.Name)
		}
		plugins[p.Name] = p
	}

	entryName, err := pluginNameFromAP(doc.TCPEntry, "tcp")
	if err != nil {
		return nil, err
	}
	if entryName == "$null" {
		return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	a := &analyzer{name: name, plugins: plugins}
	if doc.UDPEntry != nil {
		udpEntryName, err := pluginNameFromAP(*doc.UDPEntry, "udp")
		if err != nil {
			return nil, err
		}
		if udpEntryName != entryName {
			return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
		}
		a.udpSupported = true
		t := true
		a.expectNextUDP = &t
	}
	if a.current, err = a.takePlugin(entryName, "$entry"); err != nil {
		return nil, err
	}

	var legs []ProxyLeg
	for {
		leg, err := a.extractLeg()
		if err != nil {
			return nil, err
		}
		if leg == nil {
			break
		}
		legs = append(legs, *leg)
	}
	for _, p := range a.plugins {
		if p != nil {
			return nil, ytflowerr.New(ytflowerr.KindUnusedPlugin, p.Name)
		}
	}
	// Legs were extracted entry-first; the stored order is dial-first.
	for i, j := 0, len(legs)-1; i < j; i, j = i+1, j-1 {
		legs[i], legs[j] = legs[j], legs[i]
	}
	return &Proxy{Name: name, Legs: legs, UDPSupported: a.udpSupported}, nil
}

// takePlugin consumes the named plugin. "$out" maps to nil (the chain
// end); taking a plugin twice is a graph shape the composer never emits.
func (a *analyzer) takePlugin(name, initiator string) (*DynOutboundPlugin, error) {
	if name == "$out" {
		return nil, nil
	}
	p, ok := a.plugins[name]
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindPluginNotFound, name, initiator)
	}
	if p == nil {
		return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	if p.PluginVersion != 0 {
		return nil, ytflowerr.New(ytflowerr.KindInvalidPlugin, name)
	}
	a.plugins[name] = nil
	return p, nil
}

func (a *analyzer) extractLeg() (*ProxyLeg, error) {
	if a.current == nil {
		return nil, nil
	}
	current := a.current
	protocol, nextName, err := analyzeProtocol(current)
	if err != nil {
		return nil, err
	}
	if a.expectNextUDP != nil && *a.expectNextUDP != protocol.ProvideUDP() {
		return nil, ytflowerr.New(ytflowerr.KindUnexpectedUDPAccessPoint, current.Name)
	}

	redirPlugin, err := a.takePlugin(nextName, current.Name)
	if err != nil {
		return nil, err
	}
	if redirPlugin == nil {
		return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	dest, nextTCPName, nextUDPName, err := analyzeRedirect(redirPlugin)
	if err != nil {
		return nil, err
	}

	if a.current, err = a.takePlugin(nextTCPName, redirPlugin.Name); err != nil {
		return nil, err
	}
	obfs, err := a.analyzeObfs()
	if err != nil {
		return nil, err
	}
	tls, err := a.analyzeTLS()
	if err != nil {
		return nil, err
	}

	if nextUDPName == "$null" {
		f := false
		a.expectNextUDP = &f
	} else {
		nextName := "$out"
		if a.current != nil {
			nextName = a.current.Name
		}
		if nextName != nextUDPName {
			return nil, ytflowerr.New(ytflowerr.KindTooComplicated)
		}
		t := true
		a.expectNextUDP = &t
	}
	return &ProxyLeg{Protocol: protocol, Dest: dest, Obfs: obfs, TLS: tls}, nil
}

func decodeParam(p *DynOutboundPlugin, dst any) error {
	if err := cbor.Unmarshal(p.Param, dst); err != nil {
		return ytflowerr.New(ytflowerr.KindInvalidPlugin, p.Name)
	}
	return nil
}

func analyzeProtocol(p *DynOutboundPlugin) (ProxyProtocol, string, error) {
	var protocol ProxyProtocol
	var tcpDep string
	var udpDep *string

	switch p.Plugin {
	case "socks5-client":
		var cfg struct {
			TCPNext string `cbor:"tcp_next"`
			UDPNext string `cbor:"udp_next"`
			User    []byte `cbor:"user"`
			Pass    []byte `cbor:"pass"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return protocol, "", err
		}
		protocol.Socks5 = &Socks5Proxy{Username: cfg.User, Password: cfg.Pass}
		tcpDep, udpDep = cfg.TCPNext, &cfg.UDPNext
	case "http-proxy-client":
		var cfg struct {
			User    []byte `cbor:"user"`
			Pass    []byte `cbor:"pass"`
			TCPNext string `cbor:"tcp_next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return protocol, "", err
		}
		protocol.HTTP = &HTTPProxy{Username: cfg.User, Password: cfg.Pass}
		tcpDep = cfg.TCPNext
	case "shadowsocks-client":
		var cfg struct {
			Method   string `cbor:"method"`
			Password []byte `cbor:"password"`
			TCPNext  string `cbor:"tcp_next"`
			UDPNext  string `cbor:"udp_next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return protocol, "", err
		}
		protocol.Shadowsocks = &ShadowsocksProxy{Cipher: cfg.Method, Password: cfg.Password}
		tcpDep, udpDep = cfg.TCPNext, &cfg.UDPNext
	case "trojan-client":
		var cfg struct {
			Password []byte `cbor:"password"`
			TLSNext  string `cbor:"tls_next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return protocol, "", err
		}
		protocol.Trojan = &TrojanProxy{Password: cfg.Password}
		tcpDep = cfg.TLSNext
	case "vmess-client":
		var cfg struct {
			UserID   string `cbor:"user_id"`
			AlterID  uint16 `cbor:"alter_id"`
			Security string `cbor:"security"`
			TCPNext  string `cbor:"tcp_next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return protocol, "", err
		}
		id, err := uuid.Parse(cfg.UserID)
		if err != nil {
			return protocol, "", ytflowerr.New(ytflowerr.KindInvalidPlugin, p.Name)
		}
		security := cfg.Security
		if security == "" {
			security = "auto"
		}
		protocol.VMess = &VMessProxy{UserID: id, AlterID: cfg.AlterID, Security: security}
		tcpDep = cfg.TCPNext
	default:
		return protocol, "", ytflowerr.New(ytflowerr.KindTooComplicated)
	}

	tcpDepPlugin, err := pluginNameFromAP(tcpDep, "tcp")
	if err != nil {
		return protocol, "", err
	}
	if tcpDepPlugin == "$out" || tcpDepPlugin == "$null" {
		return protocol, "", ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	if udpDep != nil {
		udpDepPlugin, err := pluginNameFromAP(*udpDep, "udp")
		if err != nil {
			return protocol, "", err
		}
		if udpDepPlugin != tcpDepPlugin {
			return protocol, "", ytflowerr.New(ytflowerr.KindTooComplicated)
		}
	}
	return protocol, tcpDepPlugin, nil
}

func analyzeRedirect(p *DynOutboundPlugin) (flow.Destination, string, string, error) {
	if p.Plugin != "redirect" {
		return flow.Destination{}, "", "", ytflowerr.New(ytflowerr.KindTooComplicated)
	}
	var cfg struct {
		Dest struct {
			Host string `cbor:"host"`
			Port uint16 `cbor:"port"`
		} `cbor:"dest"`
		TCPNext string `cbor:"tcp_next"`
		UDPNext string `cbor:"udp_next"`
	}
	if err := decodeParam(p, &cfg); err != nil {
		return flow.Destination{}, "", "", err
	}
	tcpNext, err := pluginNameFromAP(cfg.TCPNext, "tcp")
	if err != nil {
		return flow.Destination{}, "", "", err
	}
	udpNext, err := pluginNameFromAP(cfg.UDPNext, "udp")
	if err != nil {
		return flow.Destination{}, "", "", err
	}
	var host flow.HostName
	if ip := net.ParseIP(cfg.Dest.Host); ip != nil {
		host = flow.IPHost(ip)
	} else {
		host = flow.DomainHost(cfg.Dest.Host)
	}
	return flow.Destination{Host: host, Port: cfg.Dest.Port}, tcpNext, udpNext, nil
}

func (a *analyzer) analyzeObfs() (*ProxyObfs, error) {
	p := a.current
	if p == nil {
		return nil, nil
	}
	var obfs ProxyObfs
	var next string
	switch p.Plugin {
	case "http-obfs-client":
		var cfg struct {
			Host string `cbor:"host"`
			Path string `cbor:"path"`
			Next string `cbor:"next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return nil, err
		}
		obfs.HTTPObfs = &HTTPObfsObfs{Host: cfg.Host, Path: cfg.Path}
		next = cfg.Next
	case "tls-obfs-client":
		var cfg struct {
			Host string `cbor:"host"`
			Next string `cbor:"next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return nil, err
		}
		obfs.TLSObfs = &TLSObfsObfs{Host: cfg.Host}
		next = cfg.Next
	case "ws-client":
		var cfg struct {
			Host    *string           `cbor:"host"`
			Path    string            `cbor:"path"`
			Headers map[string]string `cbor:"headers"`
			Next    string            `cbor:"next"`
		}
		if err := decodeParam(p, &cfg); err != nil {
			return nil, err
		}
		ws := &WebSocketObfs{Path: cfg.Path, Headers: cfg.Headers}
		if ws.Path == "" {
			ws.Path = "/"
		}
		if cfg.Host != nil {
			ws.Host = *cfg.Host
		}
		obfs.WebSocket = ws
		next = cfg.Next
	default:
		return nil, nil
	}
	nextName, err := pluginNameFromAP(next, "tcp")
	if err != nil {
		return nil, err
	}
	if a.current, err = a.takePlugin(nextName, p.Name); err != nil {
		return nil, err
	}
	return &obfs, nil
}

func (a *analyzer) analyzeTLS() (*ProxyTLS, error) {
	p := a.current
	if p == nil || p.Plugin != "tls-client" {
		return nil, nil
	}
	var cfg struct {
		SNI           *string  `cbor:"sni"`
		ALPN          []string `cbor:"alpn"`
		SkipCertCheck *bool    `cbor:"skip_cert_check"`
		Next          string   `cbor:"next"`
	}
	if err := decodeParam(p, &cfg); err != nil {
		return nil, err
	}
	nextName, err := pluginNameFromAP(cfg.Next, "tcp")
	if err != nil {
		return nil, err
	}
	if a.current, err = a.takePlugin(nextName, p.Name); err != nil {
		return nil, err
	}
	tls := &ProxyTLS{ALPN: cfg.ALPN, SkipCertCheck: cfg.SkipCertCheck}
	if cfg.SNI != nil {
		tls.SNI, tls.HasSNI = *cfg.SNI, true
	}
	return tls, nil
}

func pluginNameFromAP(ap, wantSuffix string) (string, error) {
	i := strings.LastIndexByte(ap, '.')
	if i < 0 || ap[i+1:] != wantSuffix {
		return "", ytflowerr.New(ytflowerr.KindUnknownAccessPoint, ap)
	}
	return ap[:i], nil
}
