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
	"io"
	"net"
	"os"
	"time"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ddltimer"
)

// tcpStream bridges a PCB's rings to the blocking flow.Stream surface.
// Read parks on the PCB waker until the rx ring has data (or FIN/RST);
// Write parks until the tx ring has space, then nudges a flush so bytes
// hit the wire without waiting for the next inbound segment.
type tcpStream struct {
	pcb *tcpPCB

	readDeadline  *ddltimer.DeadlineTimer
	writeDeadline *ddltimer.DeadlineTimer
}

var _ flow.Stream = (*tcpStream)(nil)

func newTCPStream(pcb *tcpPCB) *tcpStream {
	return &tcpStream{
		pcb:           pcb,
		readDeadline:  ddltimer.New(),
		writeDeadline: ddltimer.New(),
	}
}

func (t *tcpStream) Read(b []byte) (int, error) {
	s := t.pcb.stack
	for {
		s.mu.Lock()
		n := t.pcb.rx.read(b)
		if n > 0 {
			// Freed receive window; let the peer know.
			t.pcb.sendACK()
			s.mu.Unlock()
			return n, nil
		}
		if t.pcb.rstRecv {
			s.mu.Unlock()
			return 0, &net.OpError{Op: "read", Net: "tcp", Err: errConnReset}
		}
		if t.pcb.rxClosed || t.pcb.state == stateClosed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-t.pcb.rxWaker:
		case <-t.readDeadline.Timeout():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (t *tcpStream) Write(b []byte) (int, error) {
	s := t.pcb.stack
	total := 0
	for len(b) > 0 {
		s.mu.Lock()
		if t.pcb.txClosed || t.pcb.rstRecv || t.pcb.state == stateClosed {
			s.mu.Unlock()
			if total > 0 {
				return total, errWriteClosed
			}
			return 0, errWriteClosed
		}
		n := t.pcb.tx.write(b)
		if n > 0 {
			t.pcb.flush(time.Now())
			s.scheduleRepollLocked(t.pcb)
			s.mu.Unlock()
			total += n
			b = b[n:]
			continue
		}
		s.mu.Unlock()

		select {
		case <-t.pcb.txWaker:
		case <-t.writeDeadline.Timeout():
			return total, os.ErrDeadlineExceeded
		}
	}
	return total, nil
}

// scheduleRepollLocked arms the repoll timer for pcb's next deadline.
// Caller holds s.mu; the arm itself happens outside on a fresh goroutine
// via scheduleRepoll's watermark.
func (s *Stack) scheduleRepollLocked(pcb *tcpPCB) {
	if t := pcb.pollDelay(); !t.IsZero() {
		go s.scheduleRepoll(t)
	}
}

func (t *tcpStream) Close() error {
	t.CloseWrite()
	t.CloseRead()
	return nil
}

func (t *tcpStream) CloseRead() error {
	// TCP has no wire-level read shutdown; stop delivering and let the
	// window fill.
	return nil
}

func (t *tcpStream) CloseWrite() error {
	s := t.pcb.stack
	s.mu.Lock()
	if !t.pcb.txClosed {
		t.pcb.txClosed = true
		t.pcb.flush(time.Now())
	}
	delay := t.pcb.pollDelay()
	s.mu.Unlock()
	s.scheduleRepoll(delay)
	return nil
}

func (t *tcpStream) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: t.pcb.localIP, Port: int(t.pcb.localPort)}
}

func (t *tcpStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: t.pcb.remoteIP, Port: int(t.pcb.remote)}
}

func (t *tcpStream) SetDeadline(d time.Time) error {
	t.readDeadline.SetDeadline(d)
	t.writeDeadline.SetDeadline(d)
	return nil
}

func (t *tcpStream) SetReadDeadline(d time.Time) error {
	t.readDeadline.SetDeadline(d)
	return nil
}

func (t *tcpStream) SetWriteDeadline(d time.Time) error {
	t.writeDeadline.SetDeadline(d)
	return nil
}

// SizeHint implements flow.SizeHinter using the rx ring occupancy.
func (t *tcpStream) SizeHint() flow.SizeHint {
	s := t.pcb.stack
	s.mu.Lock()
	n := t.pcb.rx.len()
	s.mu.Unlock()
	if n > 0 {
		return flow.AtLeast(n)
	}
	return flow.UnknownSize
}

var (
	errConnReset   = &tempError{"connection reset by peer"}
	errWriteClosed = &tempError{"write on closed connection"}
)

type tempError struct{ msg string }

func (e *tempError) Error() string { return e.msg }
