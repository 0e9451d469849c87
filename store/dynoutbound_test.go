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
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

func formatUUID(id [16]byte) string { return uuid.UUID(id).String() }

func ssLeg(host string, port uint16) ProxyLeg {
	return ProxyLeg{
		Protocol: ProxyProtocol{Shadowsocks: &ShadowsocksProxy{
			Cipher:   "aes-256-gcm",
			Password: []byte("hunter2"),
		}},
		Dest: flow.Destination{Host: flow.DomainHost(host), Port: port},
	}
}

func TestComposeNoLeg(t *testing.T) {
	_, err := ComposeDataProxy(&Proxy{Name: "empty"})
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindNoLeg, e.Kind)
}

func TestComposeSingleLegShape(t *testing.T) {
	p := &Proxy{
		Name:         "one",
		Legs:         []ProxyLeg{ssLeg("a.co", 443)},
		UDPSupported: true,
	}
	data, err := ComposeDataProxy(p)
	require.NoError(t, err)

	var doc DynOutboundProxy
	require.NoError(t, cbor.Unmarshal(data, &doc))
	assert.Equal(t, "p.tcp", doc.TCPEntry)
	require.NotNil(t, doc.UDPEntry)
	assert.Equal(t, "p.udp", *doc.UDPEntry)
	require.Len(t, doc.Plugins, 2)
	assert.Equal(t, "r", doc.Plugins[0].Name)
	assert.Equal(t, "redirect", doc.Plugins[0].Plugin)
	assert.Equal(t, "p", doc.Plugins[1].Name)
	assert.Equal(t, "shadowsocks-client", doc.Plugins[1].Plugin)
}

func TestComposeUDPUnsupportedOmitsEntry(t *testing.T) {
	p := &Proxy{Name: "one", Legs: []ProxyLeg{ssLeg("a.co", 443)}}
	data, err := ComposeDataProxy(p)
	require.NoError(t, err)
	var doc DynOutboundProxy
	require.NoError(t, cbor.Unmarshal(data, &doc))
	assert.Nil(t, doc.UDPEntry)
}

func TestComposeAnalyzeFourLegs(t *testing.T) {
	skip := true
	httpLeg := ProxyLeg{
		Protocol: ProxyProtocol{HTTP: &HTTPProxy{Username: []byte("u"), Password: []byte("p")}},
		Dest:     flow.Destination{Host: flow.DomainHost("h.example"), Port: 8080},
		TLS: &ProxyTLS{
			ALPN:          []string{"http/1.1"},
			SNI:           "sni.example",
			HasSNI:        true,
			SkipCertCheck: &skip,
		},
	}
	p := &Proxy{
		Name: "chain",
		Legs: []ProxyLeg{
			ssLeg("l1.example", 1001),
			ssLeg("l2.example", 1002),
			httpLeg,
			ssLeg("l4.example", 1004),
		},
		UDPSupported: true,
	}

	data, err := ComposeDataProxy(p)
	require.NoError(t, err)

	var doc DynOutboundProxy
	require.NoError(t, cbor.Unmarshal(data, &doc))
	// 4 legs: 2 plugins each for legs 1/2/4, 3 for the TLS'd http leg.
	assert.Len(t, doc.Plugins, 9)
	assert.Equal(t, "p4.tcp", doc.TCPEntry)
	require.NotNil(t, doc.UDPEntry)
	assert.Equal(t, "p4.udp", *doc.UDPEntry)

	back, err := AnalyzeDataProxy("chain", data)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestComposeAnalyzeTwelvePluginChain(t *testing.T) {
	// Every leg carrying tls+obfs maximizes plugin count: 4 per leg.
	skip := false
	leg := func(host string) ProxyLeg {
		l := ssLeg(host, 443)
		l.Obfs = &ProxyObfs{HTTPObfs: &HTTPObfsObfs{Host: host, Path: "/"}}
		l.TLS = &ProxyTLS{SkipCertCheck: &skip}
		return l
	}
	p := &Proxy{
		Name:         "deep",
		Legs:         []ProxyLeg{leg("a.example"), leg("b.example"), leg("c.example")},
		UDPSupported: true,
	}
	data, err := ComposeDataProxy(p)
	require.NoError(t, err)
	var doc DynOutboundProxy
	require.NoError(t, cbor.Unmarshal(data, &doc))
	assert.Len(t, doc.Plugins, 12)

	back, err := AnalyzeDataProxy("deep", data)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestAnalyzeRoundTripAllProtocols(t *testing.T) {
	id := uuid.MustParse("22222222-3333-4444-5555-666666666666")
	legs := map[string]ProxyLeg{
		"ss": ssLeg("a.co", 1),
		"trojan": {
			Protocol: ProxyProtocol{Trojan: &TrojanProxy{Password: []byte("pw")}},
			Dest:     flow.Destination{Host: flow.DomainHost("a.co"), Port: 2},
			TLS:      &ProxyTLS{},
		},
		"http": {
			Protocol: ProxyProtocol{HTTP: &HTTPProxy{Username: []byte{}, Password: []byte{}}},
			Dest:     flow.Destination{Host: flow.DomainHost("a.co"), Port: 3},
		},
		"socks5": {
			Protocol: ProxyProtocol{Socks5: &Socks5Proxy{Username: []byte("u"), Password: []byte("p")}},
			Dest:     flow.Destination{Host: flow.DomainHost("a.co"), Port: 4},
		},
		"vmess": {
			Protocol: ProxyProtocol{VMess: &VMessProxy{UserID: id, AlterID: 0, Security: "aes-128-gcm"}},
			Dest:     flow.Destination{Host: flow.DomainHost("a.co"), Port: 5},
		},
	}
	for name, leg := range legs {
		udp := leg.Protocol.ProvideUDP()
		p := &Proxy{Name: name, Legs: []ProxyLeg{leg}, UDPSupported: udp}
		data, err := ComposeDataProxy(p)
		require.NoError(t, err, name)
		back, err := AnalyzeDataProxy(name, data)
		require.NoError(t, err, name)
		assert.Equal(t, p, back, name)
	}
}

func TestAnalyzeRejectsDuplicateNames(t *testing.T) {
	doc := DynOutboundProxy{
		TCPEntry: "p.tcp",
		Plugins: []DynOutboundPlugin{
			{Name: "p", Plugin: "redirect", Param: mustParam(map[string]any{})},
			{Name: "p", Plugin: "redirect", Param: mustParam(map[string]any{})},
		},
	}
	data, err := dynEncMode.Marshal(&doc)
	require.NoError(t, err)
	_, err = AnalyzeDataProxy("dup", data)
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindDuplicateName, e.Kind)
}

func TestAnalyzeRejectsUnknownPluginKind(t *testing.T) {
	next := "$out.tcp"
	doc := DynOutboundProxy{
		TCPEntry: "p.tcp",
		Plugins: []DynOutboundPlugin{
			{Name: "p", Plugin: "quic-client", Param: mustParam(map[string]any{"tcp_next": next})},
		},
	}
	data, err := dynEncMode.Marshal(&doc)
	require.NoError(t, err)
	_, err = AnalyzeDataProxy("x", data)
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindTooComplicated, e.Kind)
}

func TestAnalyzeRejectsUnusedPlugin(t *testing.T) {
	p := &Proxy{Name: "x", Legs: []ProxyLeg{ssLeg("a.co", 1)}, UDPSupported: true}
	data, err := ComposeDataProxy(p)
	require.NoError(t, err)
	var doc DynOutboundProxy
	require.NoError(t, cbor.Unmarshal(data, &doc))
	doc.Plugins = append(doc.Plugins, DynOutboundPlugin{
		Name: "stray", Plugin: "redirect", Param: mustParam(map[string]any{}),
	})
	data, err = dynEncMode.Marshal(&doc)
	require.NoError(t, err)
	_, err = AnalyzeDataProxy("x", data)
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindUnusedPlugin, e.Kind)
}
