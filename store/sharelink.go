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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// decodeBase64 accepts both padded and unpadded standard base64, the mix
// found in the wild across share links.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// DecodeShareLink parses one proxy share link (ss, trojan, http(s),
// socks5, vmess) into a structured Proxy.
func DecodeShareLink(link string) (*Proxy, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidURL)
	}
	queries, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidURL)
	}

	var proxy *Proxy
	switch u.Scheme {
	case "ss":
		proxy, err = decodeShadowsocks(u, queries)
	case "trojan":
		proxy, err = decodeTrojan(u, queries)
	case "http", "https":
		if strings.EqualFold(u.Hostname(), "t.me") {
			return nil, ytflowerr.New(ytflowerr.KindUnknownScheme)
		}
		proxy, err = decodeHTTP(u, queries)
	case "socks5":
		proxy, err = decodeSocks5(u, queries)
	case "vmess":
		proxy, err = decodeV2rayN(u, queries)
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownScheme)
	}
	if err != nil {
		return nil, err
	}

	// Any leftover query parameter carrying a meaningful value is a
	// feature this decoder does not understand; refuse rather than
	// silently drop it.
	for key, vals := range queries {
		for _, v := range vals {
			switch v {
			case "", "none", "false", "off", "original":
			default:
				return nil, ytflowerr.New(ytflowerr.KindExtraParameters, key)
			}
		}
	}
	return proxy, nil
}

// nameFromFragment decodes the fragment into a proxy name, falling back
// to "host:port". '+' decodes to a space only when the fragment carries
// no literal space of its own.
func nameFromFragment(u *url.URL, dest flow.Destination) (string, error) {
	frag := u.EscapedFragment()
	if frag == "" {
		return dest.String(), nil
	}
	decoded, err := url.PathUnescape(frag)
	if err != nil {
		return "", ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	if !strings.Contains(frag, " ") && !strings.Contains(frag, "%20") {
		decoded = strings.ReplaceAll(decoded, "+", " ")
	}
	return decoded, nil
}

// parseHost treats IPv6 literals (bracketed or bare) as IPv6, other
// parseable literals as IPv4, and everything else as a domain name.
func parseHost(hostname string) flow.HostName {
	if strings.HasPrefix(hostname, "[") && strings.HasSuffix(hostname, "]") {
		hostname = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return flow.IPHost(ip)
	}
	return flow.DomainHost(hostname)
}

func requirePort(u *url.URL) (uint16, error) {
	p := u.Port()
	if p == "" {
		return 0, ytflowerr.New(ytflowerr.KindInvalidURL)
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	return uint16(n), nil
}

func takeQuery(queries url.Values, key string) (string, bool) {
	if vals, ok := queries[key]; ok {
		queries.Del(key)
		if len(vals) > 0 {
			return vals[0], true
		}
		return "", true
	}
	return "", false
}

func decodeShadowsocks(u *url.URL, queries url.Values) (*Proxy, error) {
	if u.User != nil {
		return decodeSIP002(u, queries)
	}
	return decodeSSLegacy(u, queries)
}

func decodeSIP002(u *url.URL, queries url.Values) (*Proxy, error) {
	b64, err := decodeBase64(u.User.Username())
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	method, password, ok := strings.Cut(string(b64), ":")
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "password")
	}
	if !supportedSSCipher(method) {
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "method")
	}
	port, err := requirePort(u)
	if err != nil {
		return nil, err
	}
	leg := ProxyLeg{
		Protocol: ProxyProtocol{Shadowsocks: &ShadowsocksProxy{Cipher: method, Password: []byte(password)}},
		Dest:     flow.Destination{Host: parseHost(u.Hostname()), Port: port},
	}
	if pluginParam, ok := takeQuery(queries, "plugin"); ok && pluginParam != "" {
		pluginName, opts, _ := strings.Cut(pluginParam, ";")
		if err := decodeSSPluginOpts(pluginName, opts, &leg); err != nil {
			return nil, err
		}
	}
	name, err := nameFromFragment(u, leg.Dest)
	if err != nil {
		return nil, err
	}
	return &Proxy{Name: name, Legs: []ProxyLeg{leg}}, nil
}

// decodeSSPluginOpts understands the obfs-local plugin's parameter
// string: "obfs=http|tls;obfs-host=...;obfs-uri=...".
func decodeSSPluginOpts(pluginName, opts string, leg *ProxyLeg) error {
	if pluginName == "" {
		return nil
	}
	if pluginName != "obfs-local" {
		return ytflowerr.New(ytflowerr.KindUnknownValue, "plugin")
	}
	params := map[string]string{}
	for _, kv := range strings.Split(opts, ";") {
		k, v, _ := strings.Cut(kv, "=")
		params[k] = v
	}
	host := params["obfs-host"]
	if host == "" {
		host = leg.Dest.Host.String()
	}
	delete(params, "obfs-host")
	obfsType, ok := params["obfs"]
	if !ok || obfsType == "" {
		return ytflowerr.New(ytflowerr.KindMissingInfo, "obfs")
	}
	delete(params, "obfs")
	switch obfsType {
	case "http":
		path := params["obfs-uri"]
		if path == "" {
			path = "/"
		}
		delete(params, "obfs-uri")
		leg.Obfs = &ProxyObfs{HTTPObfs: &HTTPObfsObfs{Host: host, Path: path}}
	case "tls":
		leg.Obfs = &ProxyObfs{TLSObfs: &TLSObfsObfs{Host: host}}
	default:
		return ytflowerr.New(ytflowerr.KindUnknownValue, "obfs")
	}
	for k := range params {
		if k != "" {
			return ytflowerr.New(ytflowerr.KindExtraParameters, k)
		}
	}
	return nil
}

func decodeSSLegacy(u *url.URL, _ url.Values) (*Proxy, error) {
	// The base64 blob is not a URL authority: it may contain '/' and '=',
	// which the parser splits across host and path.
	blob := u.Host + u.EscapedPath()
	if blob == "" {
		blob = strings.TrimPrefix(u.Opaque, "//")
	}
	b64, err := url.PathUnescape(blob)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	raw, err := decodeBase64(b64)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	methodPass, hostPort, ok := cutLast(string(raw), '@')
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "method")
	}
	hostStr, portStr, ok := cutLast(hostPort, ':')
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	method, password, ok := strings.Cut(methodPass, ":")
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindMissingInfo, "password")
	}
	if !supportedSSCipher(method) {
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "method")
	}
	dest := flow.Destination{Host: parseHost(hostStr), Port: uint16(port)}
	name, err := nameFromFragment(u, dest)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		Name: name,
		Legs: []ProxyLeg{{
			Protocol: ProxyProtocol{Shadowsocks: &ShadowsocksProxy{Cipher: method, Password: []byte(password)}},
			Dest:     dest,
		}},
	}, nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func decodeTrojan(u *url.URL, queries url.Values) (*Proxy, error) {
	if sec, ok := takeQuery(queries, "security"); ok && sec != "" && sec != "tls" {
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "security")
	}
	password := u.User.Username()
	port := uint16(443)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
		}
		port = uint16(n)
	}
	tls := &ProxyTLS{}
	if v, ok := takeQuery(queries, "allowInsecure"); ok {
		skip := v == "1"
		tls.SkipCertCheck = &skip
	}
	if v, ok := takeQuery(queries, "sni"); ok {
		tls.SNI, tls.HasSNI = v, true
	}
	if v, ok := takeQuery(queries, "alpn"); ok && v != "" {
		tls.ALPN = strings.Split(v, ",")
	}
	leg := ProxyLeg{
		Protocol: ProxyProtocol{Trojan: &TrojanProxy{Password: []byte(password)}},
		Dest:     flow.Destination{Host: parseHost(u.Hostname()), Port: port},
		TLS:      tls,
	}
	name, err := nameFromFragment(u, leg.Dest)
	if err != nil {
		return nil, err
	}
	return &Proxy{Name: name, Legs: []ProxyLeg{leg}}, nil
}

func decodeHTTP(u *url.URL, _ url.Values) (*Proxy, error) {
	var user, pass []byte
	if u.User != nil {
		user = []byte(u.User.Username())
		if p, ok := u.User.Password(); ok {
			pass = []byte(p)
		}
	}
	port := uint16(80)
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
		}
		port = uint16(n)
	}
	leg := ProxyLeg{
		Protocol: ProxyProtocol{HTTP: &HTTPProxy{Username: user, Password: pass}},
		Dest:     flow.Destination{Host: parseHost(u.Hostname()), Port: port},
	}
	if u.Scheme == "https" {
		leg.TLS = &ProxyTLS{}
	}
	name, err := nameFromFragment(u, leg.Dest)
	if err != nil {
		return nil, err
	}
	return &Proxy{Name: name, Legs: []ProxyLeg{leg}}, nil
}

func decodeSocks5(u *url.URL, _ url.Values) (*Proxy, error) {
	var user, pass []byte
	if u.User != nil {
		user = []byte(u.User.Username())
		if p, ok := u.User.Password(); ok {
			pass = []byte(p)
		}
	}
	port, err := requirePort(u)
	if err != nil {
		return nil, err
	}
	leg := ProxyLeg{
		Protocol: ProxyProtocol{Socks5: &Socks5Proxy{Username: user, Password: pass}},
		Dest:     flow.Destination{Host: parseHost(u.Hostname()), Port: port},
	}
	name, err := nameFromFragment(u, leg.Dest)
	if err != nil {
		return nil, err
	}
	return &Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: true}, nil
}

// flexString tolerates JSON values that arrive as either a string or a
// number, the V2RayN ecosystem's loose convention.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type v2raynDoc struct {
	V           flexString `json:"v"`
	PS          string     `json:"ps"`
	EnableVless any        `json:"enable_vless"`
	AlterID     flexString `json:"aid"`
	UserID      string     `json:"id"`
	Security    string     `json:"scy"`
	Host        string     `json:"add"`
	Port        flexString `json:"port"`
	Type        string     `json:"type"`
	Net         string     `json:"net"`
	ObfsHost    string     `json:"host"`
	ObfsPath    string     `json:"path"`
	TLS         string     `json:"tls"`
	SNI         string     `json:"sni"`
	ALPN        string     `json:"alpn"`
}

func decodeV2rayN(u *url.URL, queries url.Values) (*Proxy, error) {
	if len(queries) > 0 {
		return nil, ytflowerr.New(ytflowerr.KindInvalidURL)
	}
	blob := u.Host + u.Path
	if blob == "" {
		blob = strings.TrimPrefix(u.Opaque, "//")
	}
	blob = strings.TrimSuffix(blob, "/")
	b64, err := url.PathUnescape(blob)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidURL)
	}
	raw, err := decodeBase64(b64)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	var doc v2raynDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	if doc.V != "2" {
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "version")
	}
	if b, ok := doc.EnableVless.(bool); ok && b {
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "enable_vless")
	}
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	security := doc.Security
	if security == "" {
		security = "auto"
	}
	switch security {
	case "auto", "aes-128-gcm", "chacha20-poly1305", "none":
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "security")
	}
	switch doc.Type {
	case "", "none", "vmess":
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "protocol_type")
	}
	alterID, err := strconv.ParseUint(string(doc.AlterID), 10, 16)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}
	port, err := strconv.ParseUint(string(doc.Port), 10, 16)
	if err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidEncoding)
	}

	var obfs *ProxyObfs
	switch doc.Net {
	case "", "tcp":
	case "ws":
		path := doc.ObfsPath
		if path == "" {
			path = "/"
		}
		ws := &WebSocketObfs{Host: doc.ObfsHost, Path: path, Headers: map[string]string{}}
		obfs = &ProxyObfs{WebSocket: ws}
	case "http":
		path := doc.ObfsPath
		if path == "" {
			path = "/"
		}
		host := doc.ObfsHost
		if host == "" {
			host = doc.Host
		}
		obfs = &ProxyObfs{HTTPObfs: &HTTPObfsObfs{Host: host, Path: path}}
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "net")
	}

	var tls *ProxyTLS
	switch doc.TLS {
	case "", "none":
	case "tls":
		tls = &ProxyTLS{}
		if doc.SNI != "" {
			tls.SNI, tls.HasSNI = doc.SNI, true
		}
		if doc.ALPN != "" {
			tls.ALPN = strings.Split(doc.ALPN, ",")
		}
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownValue, "tls")
	}

	leg := ProxyLeg{
		Protocol: ProxyProtocol{VMess: &VMessProxy{
			UserID:   userID,
			AlterID:  uint16(alterID),
			Security: security,
		}},
		Dest: flow.Destination{Host: parseHost(doc.Host), Port: uint16(port)},
		Obfs: obfs,
		TLS:  tls,
	}
	name := doc.PS
	if name == "" {
		name = leg.Dest.String()
	}
	return &Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: true}, nil
}

// supportedSSCipher lists the cipher names share links may carry, the
// union of the stream and AEAD tables of the Shadowsocks codec, plus
// "none" and "plain", which have no entry in either table.
func supportedSSCipher(name string) bool {
	switch strings.ToLower(name) {
	case "none", "plain",
		"rc4", "rc4-md5",
		"aes-128-cfb", "aes-192-cfb", "aes-256-cfb",
		"aes-128-ctr", "aes-192-ctr", "aes-256-ctr",
		"camellia-128-cfb", "camellia-192-cfb", "camellia-256-cfb",
		"chacha20-ietf",
		"aes-128-gcm", "aes-192-gcm", "aes-256-gcm",
		"chacha20-ietf-poly1305", "xchacha20-ietf-poly1305":
		return true
	}
	return false
}

// EncodeShareLink renders a single-leg proxy back into a share link.
// Multi-leg proxies have no link representation.
func EncodeShareLink(p *Proxy) (string, error) {
	if len(p.Legs) == 0 {
		return "", ytflowerr.New(ytflowerr.KindNoLeg)
	}
	if len(p.Legs) > 1 {
		return "", ytflowerr.New(ytflowerr.KindTooManyLegs)
	}
	leg := &p.Legs[0]
	switch {
	case leg.Protocol.Shadowsocks != nil:
		return encodeSSLink(p, leg)
	case leg.Protocol.Trojan != nil:
		return encodeTrojanLink(p, leg)
	case leg.Protocol.HTTP != nil:
		return encodeHTTPLink(p, leg)
	case leg.Protocol.Socks5 != nil:
		return encodeSocks5Link(p, leg)
	default:
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "vmess")
	}
}

func urlHost(h flow.HostName) string {
	if ip := h.IP(); ip != nil && ip.To4() == nil {
		return "[" + ip.String() + "]"
	}
	return h.String()
}

func encodeSSLink(p *Proxy, leg *ProxyLeg) (string, error) {
	ss := leg.Protocol.Shadowsocks
	if leg.TLS != nil {
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "tls")
	}
	userinfo := base64.StdEncoding.EncodeToString(
		[]byte(ss.Cipher + ":" + string(ss.Password)))
	link := fmt.Sprintf("ss://%s@%s:%d", userinfo, urlHost(leg.Dest.Host), leg.Dest.Port)
	if leg.Obfs != nil {
		var plugin string
		switch {
		case leg.Obfs.HTTPObfs != nil:
			plugin = fmt.Sprintf("obfs-local;obfs=http;obfs-host=%s;obfs-uri=%s",
				leg.Obfs.HTTPObfs.Host, leg.Obfs.HTTPObfs.Path)
		case leg.Obfs.TLSObfs != nil:
			plugin = fmt.Sprintf("obfs-local;obfs=tls;obfs-host=%s", leg.Obfs.TLSObfs.Host)
		default:
			return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "obfs")
		}
		link += "?plugin=" + url.QueryEscape(plugin)
	}
	return link + "#" + url.PathEscape(p.Name), nil
}

func encodeTrojanLink(p *Proxy, leg *ProxyLeg) (string, error) {
	if leg.Obfs != nil {
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "obfs")
	}
	tls := leg.TLS
	if tls == nil {
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "tls")
	}
	link := fmt.Sprintf("trojan://%s@%s:%d",
		url.QueryEscape(string(leg.Protocol.Trojan.Password)),
		urlHost(leg.Dest.Host), leg.Dest.Port)
	var query []string
	if tls.SkipCertCheck != nil && *tls.SkipCertCheck {
		query = append(query, "allowInsecure=1")
	}
	if tls.HasSNI && tls.SNI != "" {
		query = append(query, "sni="+url.QueryEscape(tls.SNI))
	}
	if len(tls.ALPN) > 0 {
		query = append(query, "alpn="+url.QueryEscape(strings.Join(tls.ALPN, ",")))
	}
	if len(query) > 0 {
		link += "?" + strings.Join(query, "&")
	}
	return link + "#" + url.PathEscape(p.Name), nil
}

func encodeHTTPLink(p *Proxy, leg *ProxyLeg) (string, error) {
	if leg.Obfs != nil {
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "obfs")
	}
	scheme := "http"
	if leg.TLS != nil {
		scheme = "https"
	}
	h := leg.Protocol.HTTP
	var userinfo string
	if len(h.Username) > 0 || len(h.Password) > 0 {
		userinfo = url.QueryEscape(string(h.Username))
		if len(h.Password) > 0 {
			userinfo += ":" + url.QueryEscape(string(h.Password))
		}
		userinfo += "@"
	}
	return fmt.Sprintf("%s://%s%s:%d#%s", scheme, userinfo,
		urlHost(leg.Dest.Host), leg.Dest.Port, url.PathEscape(p.Name)), nil
}

func encodeSocks5Link(p *Proxy, leg *ProxyLeg) (string, error) {
	if leg.Obfs != nil || leg.TLS != nil {
		return "", ytflowerr.New(ytflowerr.KindUnsupportedComponent, "obfs")
	}
	s := leg.Protocol.Socks5
	var userinfo string
	if len(s.Username) > 0 || len(s.Password) > 0 {
		userinfo = url.QueryEscape(string(s.Username)) + ":" + url.QueryEscape(string(s.Password)) + "@"
	}
	return fmt.Sprintf("socks5://%s%s:%d#%s", userinfo,
		urlHost(leg.Dest.Host), leg.Dest.Port, url.PathEscape(p.Name)), nil
}
