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
	"io"
	"net"
	"sync"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

type udpPacket struct {
	from    flow.Destination
	payload []byte
}

// udpEntry is the stack-side half of one UDP pseudo-session: a bounded
// channel the receive loop feeds and the session's RecvFrom drains. When
// the channel is full the packet is dropped (UDP loses packets; memory
// does not grow). When the session closes, the port entry is removed.
type udpEntry struct {
	ch        chan udpPacket
	closeOnce sync.Once
	done      chan struct{}
}

func (e *udpEntry) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (s *Stack) handleUDP(ctx context.Context, p ipPacket) {
	dg, err := parseUDP(p.payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	entry, ok := s.udp[dg.srcPort]
	if !ok {
		if len(s.udp) >= maxUDPSockets || s.datagramHandler == nil {
			s.mu.Unlock()
			return
		}
		entry = &udpEntry{ch: make(chan udpPacket, udpChannelCap), done: make(chan struct{})}
		s.udp[dg.srcPort] = entry
		sess := &udpSession{
			stack:      s,
			entry:      entry,
			v6:         p.v6,
			clientIP:   append(net.IP(nil), p.src...),
			clientPort: dg.srcPort,
		}
		fc := flow.Context{
			LocalPeer: &net.UDPAddr{IP: sess.clientIP, Port: int(dg.srcPort)},
			RemotePeer: flow.Destination{
				Host: flow.IPHost(append(net.IP(nil), p.dst...)),
				Port: dg.dstPort,
			},
		}
		go func() {
			defer s.removeUDP(dg.srcPort, entry)
			if err := s.datagramHandler.HandleDatagramSession(ctx, sess, fc); err != nil {
				s.logger.Debug("udp session ended with error", "dst", fc.RemotePeer, "err", err)
			}
		}()
	}
	s.mu.Unlock()

	pkt := udpPacket{
		from: flow.Destination{
			Host: flow.IPHost(append(net.IP(nil), p.dst...)),
			Port: dg.dstPort,
		},
		payload: append([]byte(nil), dg.payload...),
	}
	select {
	case entry.ch <- pkt:
	default:
		// Channel full: the consumer is not keeping up. Drop.
	}
}

func (s *Stack) removeUDP(port uint16, entry *udpEntry) {
	entry.close()
	s.mu.Lock()
	if s.udp[port] == entry {
		delete(s.udp, port)
	}
	s.mu.Unlock()
}

// udpSession exposes one client source port as a flow.DatagramSession.
// RecvFrom yields datagrams the client sent (addressed by their original
// destination); SendTo writes a datagram back to the client, sourced from
// the address the reply claims to come from.
type udpSession struct {
	stack      *Stack
	entry      *udpEntry
	v6         bool
	clientIP   net.IP
	clientPort uint16

	idle *time.Timer
}

var _ flow.DatagramSession = (*udpSession)(nil)

func (u *udpSession) RecvFrom(ctx context.Context) (flow.Destination, []byte, error) {
	if u.idle == nil {
		u.idle = time.NewTimer(udpIdleTimeout)
	} else {
		if !u.idle.Stop() {
			select {
			case <-u.idle.C:
			default:
			}
		}
		u.idle.Reset(udpIdleTimeout)
	}
	select {
	case pkt := <-u.entry.ch:
		return pkt.from, pkt.payload, nil
	case <-u.idle.C:
		return flow.Destination{}, nil, io.EOF
	case <-u.entry.done:
		return flow.Destination{}, nil, io.EOF
	case <-ctx.Done():
		return flow.Destination{}, nil, ctx.Err()
	}
}

func (u *udpSession) SendTo(ctx context.Context, dst flow.Destination, payload []byte) error {
	srcIP := dst.Host.IP()
	if srcIP == nil {
		// Replies must carry a literal source address; a domain here means
		// the forwarder skipped destination resolution.
		return flow.ErrUnexpectedData
	}
	u.stack.sendL4(srcIP, u.clientIP, protoUDP, func(buf []byte) int {
		return writeUDP(buf, srcIP, u.clientIP, dst.Port, u.clientPort, payload)
	})
	return nil
}

func (u *udpSession) Close() error {
	u.entry.close()
	return nil
}
