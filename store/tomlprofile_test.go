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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProfile(t *testing.T) *ParsedTomlProfile {
	t.Helper()
	created := time.Date(2023, 11, 5, 12, 30, 0, 0, time.UTC)
	p := &ParsedTomlProfile{
		Name:         "home",
		Locale:       "en-US",
		CreatedAt:    created,
		EntryPlugins: []string{"entry"},
	}
	copy(p.PermanentID[:], []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	})
	p.Plugins = []Plugin{
		{
			Name:   "entry",
			Desc:   "the entry forward",
			Plugin: "forward",
			Param: mustParam(map[string]any{
				"tcp_next":        "out.tcp",
				"request_timeout": uint64(512),
			}),
			UpdatedAt: created,
		},
		{
			Name:   "out",
			Desc:   "",
			Plugin: "shadowsocks-client",
			Param: mustParam(map[string]any{
				"method":   "aes-256-gcm",
				"password": []byte{0x80, 0x81}, // forces base64 byte repr
				"tcp_next": "$out.tcp",
				"udp_next": "$out.udp",
				"padding":  nil, // forces the null sentinel
			}),
			UpdatedAt: created,
		},
	}
	return p
}

func TestTomlProfileRoundTrip(t *testing.T) {
	p := sampleProfile(t)
	doc, err := ExportTomlProfile(p)
	require.NoError(t, err)

	back, err := ImportTomlProfile(doc)
	require.NoError(t, err)

	assert.Equal(t, p.Name, back.Name)
	assert.Equal(t, p.Locale, back.Locale)
	assert.Equal(t, p.PermanentID, back.PermanentID)
	assert.True(t, p.CreatedAt.Equal(back.CreatedAt))
	assert.Equal(t, p.EntryPlugins, back.EntryPlugins)

	require.Len(t, back.Plugins, len(p.Plugins))
	for i := range p.Plugins {
		assert.Equal(t, p.Plugins[i].Name, back.Plugins[i].Name)
		assert.Equal(t, p.Plugins[i].Desc, back.Plugins[i].Desc)
		assert.Equal(t, p.Plugins[i].Plugin, back.Plugins[i].Plugin)
		assert.Equal(t, p.Plugins[i].Version, back.Plugins[i].Version)
		assert.Equal(t, p.Plugins[i].Param, back.Plugins[i].Param,
			"param CBOR must round-trip byte-for-byte for %s", p.Plugins[i].Name)
	}
}

func TestTomlProfileExportShape(t *testing.T) {
	doc, err := ExportTomlProfile(sampleProfile(t))
	require.NoError(t, err)
	text := string(doc)
	assert.Contains(t, text, "version = 1")
	assert.Contains(t, text, `permanent_id = "00112233445566778899aabbccddeeff"`)
	assert.Contains(t, text, "# the entry forward\n[plugins.entry]")
	assert.Contains(t, text, `__byte_repr`)
	assert.Contains(t, text, `__toml_repr = "null"`)
}

func TestTomlProfileRejectsUnknownVersion(t *testing.T) {
	_, err := ImportTomlProfile([]byte("version = 2\n[profile]\nname = \"x\"\npermanent_id = \"00112233445566778899aabbccddeeff\"\nlocale = \"en\"\ncreated_at = 2023-11-05T12:30:00\nentry_plugins = []\n"))
	require.Error(t, err)
}
