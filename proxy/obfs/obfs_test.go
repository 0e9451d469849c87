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

package obfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
)

// captureFactory records the initial data handed to the lower dial and
// returns scripted initial-response bytes plus one end of a pipe.
type captureFactory struct {
	mu          sync.Mutex
	initialData []byte
	initialResp []byte
	peer        flow.Stream
}

func (f *captureFactory) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialData = append([]byte(nil), initialData...)
	local, peer := flow.Pipe()
	f.peer = peer
	return local, f.initialResp, nil
}

func TestSimpleHTTPHandshakeShape(t *testing.T) {
	factory := &captureFactory{
		initialResp: []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\nbody"),
	}
	d := &SimpleHTTPDialer{Lower: factory, Host: "cdn.example", Path: "/chat"}

	s, initialResp, err := d.DialStream(context.Background(),
		flow.Destination{Host: flow.DomainHost("a.co"), Port: 80}, []byte("PAYLOAD"))
	require.NoError(t, err)
	assert.Empty(t, initialResp)

	req := string(factory.initialData)
	assert.True(t, strings.HasPrefix(req, "GET /chat HTTP/1.1\r\nHost: cdn.example\r\n"), req)
	assert.Contains(t, req, "Upgrade: websocket")
	assert.Contains(t, req, "Sec-Websocket-Key: ")
	assert.Contains(t, req, "Content-Length: 7")
	assert.True(t, strings.HasSuffix(req, "\r\n\r\nPAYLOAD"), req)

	// Bytes past the 101 header surface as the first reads; the stream is
	// raw from there on.
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "body", string(buf[:n]))

	go factory.peer.Write([]byte("more"))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "more", string(buf[:n]))
}

func TestSimpleHTTPHeaderTooLarge(t *testing.T) {
	factory := &captureFactory{initialResp: bytes.Repeat([]byte("x"), simpleHTTPMaxHeaderSize+8)}
	d := &SimpleHTTPDialer{Lower: factory, Host: "h"}
	_, _, err := d.DialStream(context.Background(),
		flow.Destination{Host: flow.DomainHost("a.co"), Port: 80}, nil)
	require.Error(t, err)
}

func TestSimpleTLSClientHelloShape(t *testing.T) {
	host := []byte("cdn.example")
	payload := []byte("smuggled")
	hello, err := generateTLSClientHello(host, payload)
	require.NoError(t, err)

	assert.Equal(t, byte(0x16), hello[0], "TLS handshake record")
	assert.Equal(t, []byte{0x03, 0x01}, hello[1:3])
	assert.Equal(t, len(hello)-5, int(binary.BigEndian.Uint16(hello[3:5])), "record length covers the rest")
	assert.Equal(t, byte(0x01), hello[5], "client hello")
	assert.Contains(t, string(hello), string(payload))
	assert.Contains(t, string(hello), string(host))

	// The session-ticket extension length announces the payload size.
	idx := bytes.Index(hello, []byte{0x00, 0x23})
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, len(payload), int(binary.BigEndian.Uint16(hello[idx+2:idx+4])))
}

func TestSimpleTLSReadWriteFraming(t *testing.T) {
	factory := &captureFactory{}
	d := &SimpleTLSDialer{Lower: factory, Host: "cdn.example"}
	s, _, err := d.DialStream(context.Background(),
		flow.Destination{Host: flow.DomainHost("a.co"), Port: 443}, []byte("hi"))
	require.NoError(t, err)

	// TX: one record per write, 0x17 0x03 0x03 length payload.
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	rec := make([]byte, 5+5)
	_, err = io.ReadFull(factory.peer, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x17, 0x03, 0x03, 0x00, 0x05}, rec[:5])
	assert.Equal(t, "hello", string(rec[5:]))

	// RX: the fixed-size response handshake is skipped, then records are
	// stripped down to payload.
	handshake := make([]byte, simpleTLSResponseHandshakeSize)
	_, err = factory.peer.Write(handshake)
	require.NoError(t, err)
	_, err = factory.peer.Write([]byte{0x17, 0x03, 0x03, 0x00, 0x04, 'd', 'a', 't', 'a'})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))
}

func TestSimpleTLSWriteSplitsLargeBuffers(t *testing.T) {
	factory := &captureFactory{}
	d := &SimpleTLSDialer{Lower: factory, Host: "h"}
	s, _, err := d.DialStream(context.Background(),
		flow.Destination{Host: flow.DomainHost("a.co"), Port: 443}, nil)
	require.NoError(t, err)

	big := make([]byte, simpleTLSMaxChunk+100)
	_, err = s.Write(big)
	require.NoError(t, err)

	var hdr [5]byte
	_, err = io.ReadFull(factory.peer, hdr[:])
	require.NoError(t, err)
	assert.Equal(t, simpleTLSMaxChunk, int(binary.BigEndian.Uint16(hdr[3:5])))
	_, err = io.CopyN(io.Discard, factory.peer, int64(simpleTLSMaxChunk))
	require.NoError(t, err)
	_, err = io.ReadFull(factory.peer, hdr[:])
	require.NoError(t, err)
	assert.Equal(t, 100, int(binary.BigEndian.Uint16(hdr[3:5])))
}
