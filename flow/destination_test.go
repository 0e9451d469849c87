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
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationWireFormat(t *testing.T) {
	for _, tc := range []struct {
		name string
		dst  Destination
		want []byte
	}{
		{
			name: "ipv4",
			dst:  Destination{Host: IPHost(net.IPv4(1, 2, 3, 4)), Port: 443},
			want: []byte{0x01, 1, 2, 3, 4, 0x01, 0xbb},
		},
		{
			name: "domain",
			dst:  Destination{Host: DomainHost("a.co"), Port: 34187},
			want: append([]byte{0x03, 4}, append([]byte("a.co"), 0x85, 0x8b)...),
		},
		{
			name: "ipv6",
			dst:  Destination{Host: IPHost(net.ParseIP("2001:db8::1")), Port: 53},
			want: append(append([]byte{0x04}, net.ParseIP("2001:db8::1").To16()...), 0x00, 0x35),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteDestination(&buf, tc.dst))
			assert.Equal(t, tc.want, buf.Bytes())
			assert.Equal(t, len(tc.want), DestinationLen(tc.dst))

			back, err := ReadDestination(bufio.NewReader(&buf))
			require.NoError(t, err)
			assert.Equal(t, tc.dst.String(), back.String())
			assert.Equal(t, tc.dst.Port, back.Port)
		})
	}
}

func TestReadDestinationRejectsUnknownType(t *testing.T) {
	_, err := ReadDestination(bufio.NewReader(bytes.NewReader([]byte{0x02, 0, 0})))
	require.Error(t, err)
}

func TestHostNameCanonicalization(t *testing.T) {
	assert.Equal(t, "example.com", DomainHost("example.com.").Domain())
	assert.Equal(t, "example.com", DomainHost("example.com").Domain())
	assert.False(t, DomainHost("example.com").IsIP())
	assert.True(t, IPHost(net.IPv4(1, 1, 1, 1)).IsIP())
}

func TestSizeHint(t *testing.T) {
	assert.False(t, UnknownSize.Known())
	assert.Equal(t, 0, UnknownSize.Lower())
	assert.Equal(t, 64, UnknownSize.WithMinContent(64).Lower())

	h := AtLeast(100)
	assert.True(t, h.Known())
	assert.Equal(t, 100, h.WithMinContent(64).Lower(), "an existing larger bound wins")
	assert.Equal(t, 128, h.WithMinContent(128).Lower())
}

func TestPipeHalfClose(t *testing.T) {
	a, b := Pipe()
	go func() {
		a.Write([]byte("ping"))
		a.CloseWrite()
	}()
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	_, err = b.Read(buf)
	assert.ErrorContains(t, err, "EOF")

	// The other direction stays open after the half close.
	go b.Write([]byte("pong"))
	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}
