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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSIP008Versioned(t *testing.T) {
	doc := `{"version": 1, "servers": [
		{"remarks": "jp-1", "server": "jp.example", "server_port": 8388,
		 "password": "pw", "method": "aes-256-gcm"},
		{"remarks": "", "server": "10.0.0.1", "server_port": 443,
		 "password": "pw2", "method": "chacha20-ietf-poly1305",
		 "plugin": "obfs-local", "plugin_opts": "obfs=tls;obfs-host=cdn.example"}
	]}`
	proxies, err := DecodeSIP008([]byte(doc))
	require.NoError(t, err)
	require.Len(t, proxies, 2)

	assert.Equal(t, "jp-1", proxies[0].Name)
	assert.True(t, proxies[0].UDPSupported)
	require.NotNil(t, proxies[0].Legs[0].Protocol.Shadowsocks)
	assert.Equal(t, "aes-256-gcm", proxies[0].Legs[0].Protocol.Shadowsocks.Cipher)

	assert.Equal(t, "10.0.0.1:443", proxies[1].Name)
	require.NotNil(t, proxies[1].Legs[0].Obfs)
	require.NotNil(t, proxies[1].Legs[0].Obfs.TLSObfs)
	assert.Equal(t, "cdn.example", proxies[1].Legs[0].Obfs.TLSObfs.Host)
}

func TestDecodeSIP008BareArray(t *testing.T) {
	doc := `[{"remarks": "x", "server": "a.co", "server_port": 1,
	          "password": "p", "method": "rc4-md5"}]`
	proxies, err := DecodeSIP008([]byte(doc))
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, "rc4-md5", proxies[0].Legs[0].Protocol.Shadowsocks.Cipher)
}

func TestDecodeSurgeProxyList(t *testing.T) {
	doc := `
# exit nodes
first = ss, a.example, 8388, encrypt-method=aes-256-gcm, password=pw, udp-relay=true
hop = trojan, b.example, 443, password=tpw, sni=b.example, underlying-proxy=first
web = http, c.example, 8080, username=u, password=p
`
	proxies, err := DecodeSurgeProxyList([]byte(doc))
	require.NoError(t, err)
	require.Len(t, proxies, 3)

	assert.Equal(t, "first", proxies[0].Name)
	require.Len(t, proxies[0].Legs, 1)
	assert.True(t, proxies[0].UDPSupported)

	// hop chains through first: underlying leg dials first.
	assert.Equal(t, "hop", proxies[1].Name)
	require.Len(t, proxies[1].Legs, 2)
	require.NotNil(t, proxies[1].Legs[0].Protocol.Shadowsocks)
	require.NotNil(t, proxies[1].Legs[1].Protocol.Trojan)
	require.NotNil(t, proxies[1].Legs[1].TLS)
	assert.Equal(t, "b.example", proxies[1].Legs[1].TLS.SNI)

	assert.Equal(t, "web", proxies[2].Name)
	require.NotNil(t, proxies[2].Legs[0].Protocol.HTTP)
}

func TestDecodeSurgeUnknownUnderlying(t *testing.T) {
	doc := `lonely = ss, a.example, 1, encrypt-method=aes-128-gcm, password=x, underlying-proxy=ghost`
	_, err := DecodeSurgeProxyList([]byte(doc))
	require.Error(t, err)
}
