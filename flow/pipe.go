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
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Pipe returns two connected in-memory Streams: writes to one side are
// reads on the other, with proper half-close semantics (CloseWrite on one
// side yields io.EOF on the peer once buffered data drains). Unlike
// net.Pipe, writes are buffered rather than rendezvous-synchronous, so a
// protocol handshake can pipeline several messages before the peer reads
// any of them.
func Pipe() (Stream, Stream) {
	ab := newHalfPipe()
	ba := newHalfPipe()
	return &pipeStream{r: ba, w: ab}, &pipeStream{r: ab, w: ba}
}

// halfPipe is one direction of a Pipe: a buffer plus close state.
type halfPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool // write side closed: drain then EOF
	broken bool // read side closed: further writes fail
}

func newHalfPipe() *halfPipe {
	h := &halfPipe{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *halfPipe) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.broken {
		return 0, io.ErrClosedPipe
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	return n, nil
}

func (h *halfPipe) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 {
		if h.broken {
			return 0, io.ErrClosedPipe
		}
		if h.closed {
			return 0, io.EOF
		}
		h.cond.Wait()
	}
	return h.buf.Read(p)
}

func (h *halfPipe) closeWrite() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *halfPipe) closeRead() {
	h.mu.Lock()
	h.broken = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

type pipeStream struct {
	r *halfPipe // peer -> us
	w *halfPipe // us -> peer
}

var _ Stream = (*pipeStream)(nil)

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.write(b) }

func (p *pipeStream) Close() error {
	p.w.closeWrite()
	p.r.closeRead()
	return nil
}

func (p *pipeStream) CloseRead() error {
	p.r.closeRead()
	return nil
}

func (p *pipeStream) CloseWrite() error {
	p.w.closeWrite()
	return nil
}

func (p *pipeStream) LocalAddr() net.Addr  { return pipeAddr{} }
func (p *pipeStream) RemoteAddr() net.Addr { return pipeAddr{} }

// In-memory pipes carry no deadline machinery; timeouts are the caller's
// concern (as with net.Pipe before Go 1.10).
func (p *pipeStream) SetDeadline(t time.Time) error      { return nil }
func (p *pipeStream) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeStream) SetWriteDeadline(t time.Time) error { return nil }

// SizeHint reports buffered-but-unread bytes.
func (p *pipeStream) SizeHint() SizeHint {
	p.r.mu.Lock()
	n := p.r.buf.Len()
	p.r.mu.Unlock()
	if n > 0 {
		return AtLeast(n)
	}
	return UnknownSize
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
