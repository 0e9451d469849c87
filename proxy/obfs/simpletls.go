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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

// simpleTLSResponseHandshakeSize is the fixed size of the server-hello +
// change-cipher-spec prefix a simple-tls server is expected to send before
// any application data. We don't parse it, only skip it.
const simpleTLSResponseHandshakeSize = 96 + 6

const simpleTLSLenHeaderSize = 5
const simpleTLSMaxChunk = 16 * 1024

// SimpleTLSDialer is a flow.StreamOutboundFactory that disguises the
// connection as a TLS 1.2 handshake: a fabricated ClientHello carrying the
// initial payload inside its session-ticket extension, followed by a
// stream of fake TLS application-data records (type 0x17) each prefixed
// with a 5-byte record header.
type SimpleTLSDialer struct {
	Lower flow.StreamOutboundFactory
	Host  string
}

var _ flow.StreamOutboundFactory = (*SimpleTLSDialer)(nil)

func (d *SimpleTLSDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	hello, err := generateTLSClientHello([]byte(d.Host), initialData)
	if err != nil {
		return nil, nil, err
	}
	lower, initialReq, err := d.Lower.DialStream(ctx, dst, hello)
	if err != nil {
		return nil, nil, fmt.Errorf("obfs: simple-tls dial lower layer: %w", err)
	}
	var src io.Reader = lower
	if len(initialReq) > 0 {
		src = io.MultiReader(bytes.NewReader(initialReq), lower)
	}
	s := &simpleTLSStream{
		Stream:           lower,
		reader:           flow.NewReader(src, 4096),
		awaitingResponse: true,
	}
	return s, nil, nil
}

// simpleTLSStream frames outbound writes as fake TLS records and strips
// the server's handshake prefix plus per-record headers from reads.
type simpleTLSStream struct {
	flow.Stream
	reader           *flow.Reader
	awaitingResponse bool
	chunkRemaining   int
}

func (s *simpleTLSStream) Read(p []byte) (int, error) {
	if s.awaitingResponse {
		if _, err := flow.ReadExact(s.reader, simpleTLSResponseHandshakeSize, func([]byte) (struct{}, error) {
			return struct{}{}, nil
		}); err != nil {
			return 0, err
		}
		s.awaitingResponse = false
	}
	if s.chunkRemaining == 0 {
		size, err := flow.ReadExact(s.reader, simpleTLSLenHeaderSize, func(b []byte) (int, error) {
			return int(binary.BigEndian.Uint16(b[3:5])), nil
		})
		if err != nil {
			return 0, err
		}
		if size == 0 {
			return 0, fmt.Errorf("obfs: simple-tls zero-length record")
		}
		s.chunkRemaining = size
	}
	n := len(p)
	if n > s.chunkRemaining {
		n = s.chunkRemaining
	}
	got, err := flow.ReadExact(s.reader, n, func(b []byte) (int, error) {
		return copy(p, b), nil
	})
	s.chunkRemaining -= got
	return got, err
}

func (s *simpleTLSStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > simpleTLSMaxChunk {
			n = simpleTLSMaxChunk
		}
		var header [simpleTLSLenHeaderSize]byte
		header[0], header[1], header[2] = 0x17, 0x03, 0x03
		binary.BigEndian.PutUint16(header[3:5], uint16(n))
		buf := make([]byte, 0, simpleTLSLenHeaderSize+n)
		buf = append(buf, header[:]...)
		buf = append(buf, p[:n]...)
		if _, err := s.Stream.Write(buf); err != nil {
			return total, err
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// generateTLSClientHello builds a fixed-shape TLS 1.2 ClientHello that
// smuggles payload inside the session-ticket extension, shaped closely
// enough to a real browser hello to pass passive DPI.
func generateTLSClientHello(host, payload []byte) ([]byte, error) {
	const helloFixedLen = 138
	const ticketFixedLen = 4
	const sniFixedLen = 9
	const otherExtLen = 66

	totalLen := len(payload) + helloFixedLen + sniFixedLen + len(host) + ticketFixedLen + otherExtLen

	req := make([]byte, 0, totalLen)

	hello := make([]byte, helloFixedLen)
	hello[0] = 0x16 // handshake
	hello[1], hello[2] = 0x03, 0x01
	binary.BigEndian.PutUint16(hello[3:5], uint16(totalLen-5))
	hello[5] = 0x01 // client hello
	hello[6] = 0x00
	binary.BigEndian.PutUint16(hello[7:9], uint16(totalLen-9))
	hello[9], hello[10] = 0x03, 0x03 // TLS 1.2
	binary.BigEndian.PutUint32(hello[11:15], uint32(time.Now().Unix()))
	if _, err := rand.Read(hello[15:43]); err != nil { // 28 bytes client random
		return nil, err
	}
	hello[43] = 32 // session id length
	if _, err := rand.Read(hello[44:76]); err != nil { // 32 bytes session id
		return nil, err
	}
	copy(hello[76:], tlsCipherSuitesTemplate)
	copy(hello[76+len(tlsCipherSuitesTemplate):], tlsCompressionTemplate)
	extOff := 76 + len(tlsCipherSuitesTemplate) + len(tlsCompressionTemplate)
	binary.BigEndian.PutUint16(hello[extOff:extOff+2], uint16(totalLen-helloFixedLen))

	ticket := make([]byte, ticketFixedLen)
	ticket[0], ticket[1] = 0x00, 0x23 // session ticket extension
	binary.BigEndian.PutUint16(ticket[2:4], uint16(len(payload)))

	sni := make([]byte, sniFixedLen)
	sni[0], sni[1] = 0x00, 0x00 // server name extension
	binary.BigEndian.PutUint16(sni[2:4], uint16(len(host)+3+2))
	binary.BigEndian.PutUint16(sni[4:6], uint16(len(host)+3))
	sni[6] = 0x00 // host_name type
	binary.BigEndian.PutUint16(sni[7:9], uint16(len(host)))

	req = append(req, hello...)
	req = append(req, ticket...)
	req = append(req, payload...)
	req = append(req, sni...)
	req = append(req, host...)
	req = append(req, tlsOtherExtensionsTemplate...)
	return req, nil
}

// tlsCipherSuitesTemplate and tlsCompressionTemplate fill out the
// ClientHello with a plausible, fixed cipher-suite and compression-method
// list; tlsOtherExtensionsTemplate is 66 zero bytes appended after the
// SNI extension and carries no real extension data (no renegotiation_info,
// ec_point_formats or other extensions).
var tlsCipherSuitesTemplate = []byte{
	0x00, 0x22, // cipher suites length
	0xc0, 0x2c, 0xc0, 0x30, 0x00, 0x9f, 0xcc, 0xa9, 0xcc, 0xa8, 0xcc, 0xaa,
	0xc0, 0x2b, 0xc0, 0x2f, 0x00, 0x9e, 0xc0, 0x24, 0xc0, 0x28, 0x00, 0x6b,
	0xc0, 0x23, 0xc0, 0x27, 0x00, 0x67, 0xc0, 0x0a, 0xc0, 0x14,
}
var tlsCompressionTemplate = []byte{0x01, 0x00}
var tlsOtherExtensionsTemplate = make([]byte, otherExtLenConst)

const otherExtLenConst = 66
