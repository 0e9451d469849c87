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

// Package ipstack multiplexes a TUN device's raw IP packets into TCP
// streams and UDP datagram sessions. Every inbound SYN synthesizes a
// listening connection keyed by its source port, so any destination IP is
// accepted without routing tables or ARP; every first UDP datagram from a
// new source port opens a pseudo-session backed by a bounded channel.
package ipstack

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

const (
	maxTCPSockets = 1024
	maxUDPSockets = 512

	udpChannelCap  = 64
	udpIdleTimeout = 120 * time.Second
)

// Stack drives a flow.Tun and dispatches the flows it captures to the
// configured handlers. One Stack owns one blocking receive loop; per-flow
// work runs on its own goroutines outside the stack mutex.
type Stack struct {
	tun             flow.Tun
	streamHandler   flow.StreamHandler
	datagramHandler flow.DatagramSessionHandler
	logger          *slog.Logger

	mu  sync.Mutex
	tcp map[uint16]*tcpPCB
	udp map[uint16]*udpEntry

	// mostRecentScheduledPoll is the epoch-millisecond target of the
	// soonest pending repoll timer. A timer goroutine that wakes up and
	// finds a target earlier than its own exits without polling, so at
	// most one effective timer is armed at steady state.
	mostRecentScheduledPoll atomic.Int64

	closed atomic.Bool
}

// New builds a Stack over tun, routing TCP flows to sh and UDP sessions
// to dh.
func New(tun flow.Tun, sh flow.StreamHandler, dh flow.DatagramSessionHandler, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		tun:             tun,
		streamHandler:   sh,
		datagramHandler: dh,
		logger:          logger,
		tcp:             make(map[uint16]*tcpPCB),
		udp:             make(map[uint16]*udpEntry),
	}
}

// Serve runs the blocking TUN receive loop until ctx is cancelled or the
// TUN fails. It is the stack's only blocking task; everything else it
// spawns is per-flow.
func (s *Stack) Serve(ctx context.Context) error {
	defer s.closeAll()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, err := s.tun.Recv()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if s.closed.Load() {
			s.tun.ReturnRecvBuffer(pkt)
			return nil
		}
		s.handlePacket(ctx, pkt)
		s.tun.ReturnRecvBuffer(pkt)
	}
}

// Close stops the stack; the Serve loop exits on its next receive.
func (s *Stack) Close() {
	s.closed.Store(true)
}

func (s *Stack) handlePacket(ctx context.Context, pkt []byte) {
	p, err := parseIP(pkt)
	if err != nil {
		return
	}
	switch p.proto {
	case protoTCP:
		s.handleTCP(ctx, p)
	case protoUDP:
		s.handleUDP(ctx, p)
	}
}

func (s *Stack) handleTCP(ctx context.Context, p ipPacket) {
	seg, err := parseTCP(p.payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	pcb, ok := s.tcp[seg.srcPort]
	if !ok {
		if seg.flags&flagSYN == 0 || seg.flags&flagACK != 0 {
			s.mu.Unlock()
			return
		}
		if len(s.tcp) >= maxTCPSockets {
			s.mu.Unlock()
			s.logger.Warn("tcp socket limit reached, dropping SYN", "port", seg.srcPort)
			return
		}
		pcb = newTCPPCB(s, p, seg)
		s.tcp[seg.srcPort] = pcb
		go s.runTCPFlow(ctx, pcb)
	}
	now := time.Now()
	pcb.handleSegment(seg, now)
	pcb.flush(now)
	if pcb.state == stateClosed {
		delete(s.tcp, seg.srcPort)
	}
	delay := pcb.pollDelay()
	s.mu.Unlock()

	s.scheduleRepoll(delay)
}

// runTCPFlow hands the new connection's Stream surface to the configured
// handler once the handshake completes.
func (s *Stack) runTCPFlow(ctx context.Context, pcb *tcpPCB) {
	// Wait for the handshake driven by inbound segments.
	for {
		s.mu.Lock()
		st := pcb.state
		s.mu.Unlock()
		if st == stateEstablished {
			break
		}
		if st == stateClosed {
			return
		}
		select {
		case <-pcb.rxWaker:
		case <-ctx.Done():
			return
		}
	}

	stream := newTCPStream(pcb)
	fc := flow.Context{
		LocalPeer: &net.TCPAddr{IP: pcb.localIP, Port: int(pcb.localPort)},
		RemotePeer: flow.Destination{
			Host: flow.IPHost(pcb.remoteIP),
			Port: pcb.remote,
		},
	}
	if s.streamHandler == nil {
		stream.Close()
		return
	}
	if err := s.streamHandler.HandleStream(ctx, stream, fc); err != nil {
		s.logger.Debug("tcp flow ended with error", "dst", fc.RemotePeer, "err", err)
	}
}

// repoll walks every PCB's timers once and reports the next needed poll.
func (s *Stack) repoll() time.Time {
	now := time.Now()
	var next time.Time
	s.mu.Lock()
	for port, pcb := range s.tcp {
		if !pcb.onTimer(now) {
			delete(s.tcp, port)
			continue
		}
		pcb.flush(now)
		if t := pcb.pollDelay(); !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	s.mu.Unlock()
	return next
}

// scheduleRepoll arms a timer for target. Racing arms resolve through the
// watermark: whichever goroutine carries the earliest target wins, later
// ones exit without touching the stack.
func (s *Stack) scheduleRepoll(target time.Time) {
	if target.IsZero() {
		return
	}
	targetMs := target.UnixMilli()
	for {
		cur := s.mostRecentScheduledPoll.Load()
		if cur != 0 && cur <= targetMs {
			return // an earlier (or equal) poll is already scheduled
		}
		if s.mostRecentScheduledPoll.CompareAndSwap(cur, targetMs) {
			break
		}
	}
	go func() {
		time.Sleep(time.Until(target))
		if s.mostRecentScheduledPoll.Load() != targetMs {
			return // a more recent arm superseded this one
		}
		s.mostRecentScheduledPoll.Store(0)
		if s.closed.Load() {
			return
		}
		s.scheduleRepoll(s.repoll())
	}()
}

// isn picks an initial send sequence number.
func (s *Stack) isn() uint32 { return rand.Uint32() }

// sendL4 borrows a TX token from the TUN, writes an IP header plus the
// L4 bytes produced by fill, and transmits. fill receives the buffer
// positioned after the IP header and returns the L4 length.
func (s *Stack) sendL4(src, dst net.IP, proto byte, fill func([]byte) int) {
	tok, ok := s.tun.GetTxBuffer(40 + 65535)
	if !ok {
		return // device out of TX slots; behave like a full NIC queue and drop
	}
	hdrLen := 0
	if src.To4() != nil {
		hdrLen = 20
	} else {
		hdrLen = 40
	}
	n := fill(tok.Data[hdrLen:])
	writeIPHeader(tok.Data, src, dst, proto, n)
	if err := s.tun.Send(tok, hdrLen+n); err != nil {
		s.logger.Debug("tun send failed", "err", err)
	}
}

func (s *Stack) closeAll() {
	s.mu.Lock()
	for port, pcb := range s.tcp {
		pcb.abort()
		delete(s.tcp, port)
	}
	for port, e := range s.udp {
		e.close()
		delete(s.udp, port)
	}
	s.mu.Unlock()
}
