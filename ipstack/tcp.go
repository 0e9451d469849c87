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
	"net"
	"time"
)

// TCP buffer floors. Uplink latency is dominated by how fast we ACK, so
// acknowledgments are sent immediately (no delayed ACK) and writes are
// never coalesced (no Nagle).
const (
	tcpRxBufferSize = 16 * 1024 // >= 14 KiB floor
	tcpTxBufferSize = 12 * 1024 // >= 10 KiB floor
	tcpMSS          = 1460

	retransmitTimeout = 1 * time.Second
	timeWaitTimeout   = 10 * time.Second
	maxRetransmits    = 8
)

type tcpState int

const (
	stateListen tcpState = iota
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateLastAck
	stateClosing
	stateTimeWait
	stateClosed
)

// tcpPCB is one userspace TCP connection, terminated locally on behalf of
// the proxied application. The stack is the active ACK-ing side; the peer
// is whatever OS produced the packets arriving over the TUN.
//
// All fields are guarded by the owning Stack's mutex. Out-of-order
// segments are not reassembled; they are dropped and recovered by peer
// retransmission, which keeps the receive path a single ring.
type tcpPCB struct {
	stack *Stack

	v6                 bool
	localIP, remoteIP  net.IP // local = the TUN-side source, remote = the claimed destination
	localPort, remote  uint16

	state tcpState

	// Send sequence space (stack -> TUN direction).
	sndUna, sndNxt uint32
	sndWnd         uint16
	finSent        bool
	finSeq         uint32

	// Receive sequence space.
	rcvNxt uint32

	rx ring // data received from the TUN, drained by Stream.Read
	tx ring // data committed by Stream.Write, flushed to the TUN

	rxClosed bool // peer FIN consumed; Read returns EOF after draining rx
	txClosed bool // CloseWrite requested; FIN goes out once tx drains
	rstRecv  bool

	retransmitAt    time.Time
	retransmitCount int
	timeWaitAt      time.Time

	// rxWaker/txWaker are signalled (non-blockingly) when rx gains data or
	// tx gains space respectively; state changes signal both. Separate
	// channels keep the reading and writing goroutines from stealing each
	// other's wakeups.
	rxWaker chan struct{}
	txWaker chan struct{}
}

func newTCPPCB(s *Stack, p ipPacket, seg tcpSegment) *tcpPCB {
	return &tcpPCB{
		stack:     s,
		v6:        p.v6,
		localIP:   append(net.IP(nil), p.src...),
		remoteIP:  append(net.IP(nil), p.dst...),
		localPort: seg.srcPort,
		remote:    seg.dstPort,
		state:     stateListen,
		rx:        newRing(tcpRxBufferSize),
		tx:        newRing(tcpTxBufferSize),
		rxWaker:   make(chan struct{}, 1),
		txWaker:   make(chan struct{}, 1),
	}
}

func (p *tcpPCB) wake() {
	p.wakeRx()
	p.wakeTx()
}

func (p *tcpPCB) wakeRx() {
	select {
	case p.rxWaker <- struct{}{}:
	default:
	}
}

func (p *tcpPCB) wakeTx() {
	select {
	case p.txWaker <- struct{}{}:
	default:
	}
}

// seqLEQ reports a <= b in sequence-number arithmetic.
func seqLEQ(a, b uint32) bool { return int32(b-a) >= 0 }
func seqLT(a, b uint32) bool  { return int32(b-a) > 0 }

// handleSegment feeds one inbound segment into the PCB state machine.
// Called with the stack mutex held.
func (p *tcpPCB) handleSegment(seg tcpSegment, now time.Time) {
	if seg.flags&flagRST != 0 {
		if p.state != stateListen {
			p.rstRecv = true
			p.state = stateClosed
			p.wake()
		}
		return
	}

	switch p.state {
	case stateListen:
		if seg.flags&flagSYN == 0 {
			p.sendRST(seg)
			return
		}
		p.rcvNxt = seg.seq + 1
		p.sndUna = p.stack.isn()
		p.sndNxt = p.sndUna
		p.sndWnd = seg.window
		p.state = stateSynReceived
		p.sendSynAck()
		p.retransmitAt = now.Add(retransmitTimeout)
		return

	case stateSynReceived:
		if seg.flags&flagSYN != 0 { // retransmitted SYN
			p.sendSynAck()
			p.retransmitAt = now.Add(retransmitTimeout)
			return
		}
		if seg.flags&flagACK != 0 && seg.ack == p.sndNxt {
			p.state = stateEstablished
			p.retransmitAt = time.Time{}
			p.wake()
		}
	}

	if p.state == stateClosed {
		return
	}

	if seg.flags&flagACK != 0 {
		p.processAck(seg, now)
	}
	p.acceptData(seg)

	if seg.flags&flagFIN != 0 && seg.seq+uint32(len(seg.payload)) == p.rcvNxt {
		p.rcvNxt++
		p.rxClosed = true
		switch p.state {
		case stateEstablished:
			p.state = stateCloseWait
		case stateFinWait1:
			p.state = stateClosing
		case stateFinWait2:
			p.state = stateTimeWait
			p.timeWaitAt = time.Now().Add(timeWaitTimeout)
		}
		p.sendACK()
		p.wake()
	}
}

func (p *tcpPCB) processAck(seg tcpSegment, now time.Time) {
	p.sndWnd = seg.window
	if !seqLT(p.sndUna, seg.ack) || !seqLEQ(seg.ack, p.sndNxt) {
		return
	}
	acked := seg.ack - p.sndUna
	dataAcked := acked
	if p.finSent && seg.ack == p.sndNxt {
		dataAcked-- // the FIN occupies one sequence number
	}
	p.tx.discard(int(dataAcked))
	p.sndUna = seg.ack
	p.retransmitCount = 0
	if p.sndUna == p.sndNxt {
		p.retransmitAt = time.Time{}
	} else {
		p.retransmitAt = now.Add(retransmitTimeout)
	}

	if p.finSent && seg.ack == p.sndNxt {
		switch p.state {
		case stateFinWait1:
			p.state = stateFinWait2
		case stateClosing:
			p.state = stateTimeWait
			p.timeWaitAt = time.Now().Add(timeWaitTimeout)
		case stateLastAck:
			p.state = stateClosed
		}
		p.wake()
		return
	}
	p.wakeTx()
}

// acceptData takes in-sequence payload into the rx ring; anything else is
// dropped and re-ACKed so the peer retransmits from rcvNxt.
func (p *tcpPCB) acceptData(seg tcpSegment) {
	if len(seg.payload) == 0 {
		return
	}
	if seg.seq != p.rcvNxt {
		p.sendACK()
		return
	}
	n := p.rx.write(seg.payload)
	p.rcvNxt += uint32(n)
	p.sendACK()
	if n > 0 {
		p.wakeRx()
	}
}

// flush moves pending tx data and a pending FIN onto the wire, bounded by
// the peer's advertised window. Called with the stack mutex held.
func (p *tcpPCB) flush(now time.Time) {
	if p.state == stateClosed || p.state == stateListen || p.state == stateSynReceived {
		return
	}
	inFlight := p.sndNxt - p.sndUna
	for {
		avail := p.tx.len() - int(inFlight)
		if p.finSent {
			avail = 0
		}
		wnd := int(p.sndWnd) - int(inFlight)
		n := min(min(avail, wnd), tcpMSS)
		if n <= 0 {
			break
		}
		chunk := p.tx.peekAt(int(inFlight), n)
		p.sendData(p.sndNxt, chunk)
		p.sndNxt += uint32(len(chunk))
		inFlight += uint32(len(chunk))
		p.retransmitAt = now.Add(retransmitTimeout)
	}

	if p.txClosed && !p.finSent && int(inFlight) == p.tx.len() {
		p.finSeq = p.sndNxt
		p.sendFIN()
		p.sndNxt++
		p.finSent = true
		p.retransmitAt = now.Add(retransmitTimeout)
		switch p.state {
		case stateEstablished:
			p.state = stateFinWait1
		case stateCloseWait:
			p.state = stateLastAck
		}
	}
}

// onTimer drives retransmission and TIME_WAIT expiry. Called with the
// stack mutex held. Returns false once the PCB should be removed.
func (p *tcpPCB) onTimer(now time.Time) bool {
	if p.state == stateTimeWait && !now.Before(p.timeWaitAt) {
		p.state = stateClosed
		p.wake()
	}
	if p.state == stateClosed {
		return false
	}
	if !p.retransmitAt.IsZero() && !now.Before(p.retransmitAt) {
		p.retransmitCount++
		if p.retransmitCount > maxRetransmits {
			p.abort()
			return false
		}
		switch p.state {
		case stateSynReceived:
			p.sendSynAck()
		default:
			p.retransmit()
		}
		p.retransmitAt = now.Add(retransmitTimeout << uint(p.retransmitCount-1))
	}
	return true
}

// pollDelay reports when the PCB next needs a timer poll, or zero time.
func (p *tcpPCB) pollDelay() time.Time {
	switch {
	case !p.retransmitAt.IsZero():
		return p.retransmitAt
	case p.state == stateTimeWait:
		return p.timeWaitAt
	}
	return time.Time{}
}

func (p *tcpPCB) retransmit() {
	inFlight := int(p.sndNxt - p.sndUna)
	if p.finSent && inFlight > 0 {
		inFlight--
	}
	if inFlight > 0 {
		n := min(inFlight, tcpMSS)
		p.sendData(p.sndUna, p.tx.peekAt(0, n))
	}
	if p.finSent && seqLEQ(p.finSeq, p.sndNxt) && seqLT(p.sndUna, p.sndNxt) && inFlight == 0 {
		p.sendFIN()
	}
}

// abort sends RST and closes immediately, dropping buffered data.
func (p *tcpPCB) abort() {
	if p.state != stateClosed && p.state != stateListen {
		p.send(tcpSegment{seq: p.sndNxt, flags: flagRST | flagACK, ack: p.rcvNxt})
	}
	p.state = stateClosed
	p.wake()
}

func (p *tcpPCB) window() uint16 {
	free := p.rx.free()
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

func (p *tcpPCB) sendSynAck() {
	p.sndNxt = p.sndUna + 1
	p.send(tcpSegment{seq: p.sndUna, ack: p.rcvNxt, flags: flagSYN | flagACK})
}

func (p *tcpPCB) sendACK() {
	p.send(tcpSegment{seq: p.sndNxt, ack: p.rcvNxt, flags: flagACK})
}

func (p *tcpPCB) sendFIN() {
	p.send(tcpSegment{seq: p.finSeq, ack: p.rcvNxt, flags: flagFIN | flagACK})
}

func (p *tcpPCB) sendData(seq uint32, payload []byte) {
	p.send(tcpSegment{seq: seq, ack: p.rcvNxt, flags: flagACK | flagPSH, payload: payload})
}

func (p *tcpPCB) sendRST(seg tcpSegment) {
	p.send(tcpSegment{seq: seg.ack, ack: seg.seq + uint32(len(seg.payload)), flags: flagRST | flagACK})
}

// send emits one segment toward the TUN. Source/destination are swapped:
// the PCB's "remote" (the claimed destination IP) is the segment source so
// the client sees a reply from the address it dialed, the any-IP trick
// that makes per-tuple synthesized listeners work without routing state.
func (p *tcpPCB) send(seg tcpSegment) {
	seg.srcPort, seg.dstPort = p.remote, p.localPort
	seg.window = p.window()
	var mss uint16
	if seg.flags&flagSYN != 0 {
		mss = tcpMSS
	}
	p.stack.sendL4(p.remoteIP, p.localIP, protoTCP, func(buf []byte) int {
		return writeTCP(buf, p.remoteIP, p.localIP, seg, mss)
	})
}
