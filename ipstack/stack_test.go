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

package ipstack

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
)

// memTun collects everything the stack transmits, for assertions.
type memTun struct {
	mu   sync.Mutex
	sent [][]byte
}

func (m *memTun) Recv() ([]byte, error)     { select {} }
func (m *memTun) ReturnRecvBuffer(b []byte) {}

func (m *memTun) GetTxBuffer(n int) (flow.TxToken, bool) {
	return flow.TxToken{Data: make([]byte, n)}, true
}
func (m *memTun) Send(tok flow.TxToken, length int) error {
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), tok.Data[:length]...))
	m.mu.Unlock()
	return nil
}
func (m *memTun) ReturnTxBuffer(tok flow.TxToken) {}

func (m *memTun) take() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

func buildTCPPacket(t *testing.T, src, dst net.IP, seg tcpSegment) []byte {
	t.Helper()
	buf := make([]byte, 40+20+4+len(seg.payload))
	hdrLen := 20
	if src.To4() == nil {
		hdrLen = 40
	}
	n := writeTCP(buf[hdrLen:], src, dst, seg, 0)
	writeIPHeader(buf, src, dst, protoTCP, n)
	return buf[:hdrLen+n]
}

func buildUDPPacket(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 40+8+len(payload))
	hdrLen := 20
	if src.To4() == nil {
		hdrLen = 40
	}
	n := writeUDP(buf[hdrLen:], src, dst, srcPort, dstPort, payload)
	writeIPHeader(buf, src, dst, protoUDP, n)
	return buf[:hdrLen+n]
}

func TestParseIPRoundTripV4(t *testing.T) {
	src, dst := net.IPv4(10, 0, 0, 2).To4(), net.IPv4(1, 2, 3, 4).To4()
	pkt := buildUDPPacket(t, src, dst, 5353, 53, []byte("hello"))

	p, err := parseIP(pkt)
	require.NoError(t, err)
	assert.False(t, p.v6)
	assert.Equal(t, src, p.src.To4())
	assert.Equal(t, dst, p.dst.To4())
	assert.Equal(t, byte(protoUDP), p.proto)

	dg, err := parseUDP(p.payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(5353), dg.srcPort)
	assert.Equal(t, uint16(53), dg.dstPort)
	assert.Equal(t, []byte("hello"), dg.payload)
}

func TestParseIPRoundTripV6(t *testing.T) {
	src := net.ParseIP("fd00::2")
	dst := net.ParseIP("2001:db8::1")
	pkt := buildUDPPacket(t, src, dst, 1000, 2000, []byte("v6"))

	p, err := parseIP(pkt)
	require.NoError(t, err)
	assert.True(t, p.v6)
	assert.Equal(t, src.To16(), p.src.To16())

	dg, err := parseUDP(p.payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("v6"), dg.payload)
}

func TestTCPChecksumVerifies(t *testing.T) {
	src, dst := net.IPv4(10, 0, 0, 2).To4(), net.IPv4(93, 184, 216, 34).To4()
	pkt := buildTCPPacket(t, src, dst, tcpSegment{
		srcPort: 40000, dstPort: 443, seq: 7, flags: flagSYN, window: 65535,
	})
	p, err := parseIP(pkt)
	require.NoError(t, err)
	// Recomputing over the emitted segment with its embedded checksum must
	// yield zero per RFC 1071.
	sum := internetChecksum(p.payload, pseudoHeaderSum(p.src, p.dst, protoTCP, len(p.payload)))
	assert.Equal(t, uint16(0), sum)
}

func TestRing(t *testing.T) {
	r := newRing(8)
	assert.Equal(t, 5, r.write([]byte("abcde")))
	assert.Equal(t, 3, r.write([]byte("fghXYZ")), "writes past capacity are truncated")

	out := make([]byte, 6)
	assert.Equal(t, 6, r.read(out))
	assert.Equal(t, []byte("abcdef"), out)

	// Wrap-around.
	assert.Equal(t, 4, r.write([]byte("ijkl")))
	assert.Equal(t, []byte("gh"), r.peekAt(0, 2))
	assert.Equal(t, []byte("ij"), r.peekAt(2, 2))
	r.discard(3)
	out = make([]byte, 8)
	assert.Equal(t, 3, r.read(out))
	assert.Equal(t, []byte("jkl"), out[:3])
}

type acceptAllHandler struct {
	mu      sync.Mutex
	streams []flow.Stream
	fcs     []flow.Context
}

func (h *acceptAllHandler) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	h.mu.Lock()
	h.streams = append(h.streams, s)
	h.fcs = append(h.fcs, fc)
	h.mu.Unlock()
	<-ctx.Done()
	return nil
}

func TestTCPHandshakeSynthesizesStream(t *testing.T) {
	tun := &memTun{}
	handler := &acceptAllHandler{}
	s := New(tun, handler, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := net.IPv4(10, 0, 0, 2).To4(), net.IPv4(93, 184, 216, 34).To4()
	syn := buildTCPPacket(t, client, server, tcpSegment{
		srcPort: 40000, dstPort: 443, seq: 1000, flags: flagSYN, window: 65535,
	})
	s.handlePacket(ctx, syn)

	// The stack must answer with SYN-ACK acking seq+1.
	sent := tun.take()
	require.Len(t, sent, 1)
	p, err := parseIP(sent[0])
	require.NoError(t, err)
	seg, err := parseTCP(p.payload)
	require.NoError(t, err)
	assert.Equal(t, byte(flagSYN|flagACK), seg.flags&(flagSYN|flagACK))
	assert.Equal(t, uint32(1001), seg.ack)
	assert.Equal(t, server, p.src.To4(), "reply must come from the dialed address")

	// Complete the handshake and push a data segment.
	iss := seg.seq
	ack := buildTCPPacket(t, client, server, tcpSegment{
		srcPort: 40000, dstPort: 443, seq: 1001, ack: iss + 1, flags: flagACK, window: 65535,
	})
	s.handlePacket(ctx, ack)
	data := buildTCPPacket(t, client, server, tcpSegment{
		srcPort: 40000, dstPort: 443, seq: 1001, ack: iss + 1, flags: flagACK | flagPSH,
		window: 65535, payload: []byte("GET /"),
	})
	s.handlePacket(ctx, data)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.streams) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	stream, fc := handler.streams[0], handler.fcs[0]
	handler.mu.Unlock()
	assert.Equal(t, "93.184.216.34", fc.RemotePeer.Host.String())
	assert.Equal(t, uint16(443), fc.RemotePeer.Port)

	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "GET /", string(buf[:n]))
}

type recordingDatagramHandler struct {
	mu       sync.Mutex
	sessions []flow.DatagramSession
}

func (h *recordingDatagramHandler) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()
	<-ctx.Done()
	return nil
}

func TestUDPBackpressureDropsWhenChannelFull(t *testing.T) {
	tun := &memTun{}
	handler := &recordingDatagramHandler{}
	s := New(tun, nil, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := net.IPv4(10, 0, 0, 2).To4(), net.IPv4(8, 8, 8, 8).To4()
	// The handler never polls the session, so only udpChannelCap packets
	// may be retained; the rest must be dropped without growing memory.
	for i := 0; i < udpChannelCap*3; i++ {
		pkt := buildUDPPacket(t, client, server, 5000, 53, []byte{byte(i)})
		s.handlePacket(ctx, pkt)
	}

	s.mu.Lock()
	entry := s.udp[5000]
	s.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, udpChannelCap, len(entry.ch))
}

func TestUDPSessionReplyReachesTun(t *testing.T) {
	tun := &memTun{}
	handler := &recordingDatagramHandler{}
	s := New(tun, nil, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := net.IPv4(10, 0, 0, 2).To4(), net.IPv4(8, 8, 8, 8).To4()
	s.handlePacket(ctx, buildUDPPacket(t, client, server, 5000, 53, []byte("q")))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.sessions) == 1
	}, time.Second, 5*time.Millisecond)
	handler.mu.Lock()
	sess := handler.sessions[0]
	handler.mu.Unlock()

	from, payload, err := sess.RecvFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", from.Host.String())
	assert.Equal(t, []byte("q"), payload)

	require.NoError(t, sess.SendTo(ctx, from, []byte("answer")))
	sent := tun.take()
	require.Len(t, sent, 1)
	p, err := parseIP(sent[0])
	require.NoError(t, err)
	dg, err := parseUDP(p.payload)
	require.NoError(t, err)
	assert.Equal(t, server, p.src.To4())
	assert.Equal(t, client, p.dst.To4())
	assert.Equal(t, uint16(5000), dg.dstPort)
	assert.Equal(t, []byte("answer"), dg.payload)
}
