// Copyright 2023 Jigsaw Operations LLC
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

// Package resolver implements the host resolver and DNS server: a
// caching, round-robin-upstream RoundTripper pool (UDP and TCP), a
// fake-IP allocator, and a DNS responder for captured port-53 sessions,
// all over the x/net/dns/dnsmessage wire codec.
package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// RoundTripper executes a single DNS transaction for a question, hiding
// the underlying transport (UDP, TCP, or an upstream pool round-robining
// across several of each).
type RoundTripper interface {
	RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncRoundTripper is a RoundTripper backed by a plain function.
type FuncRoundTripper func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

func (f FuncRoundTripper) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion builds a dnsmessage.Question for domain/qtype.
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	name, err := dnsmessage.NewName(domain)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid domain name: %w", err)
	}
	return &dnsmessage.Question{Name: name, Type: qtype, Class: dnsmessage.ClassINET}, nil
}

const maxMsgSize = 65535
const maxDNSPacketSize = 1232 // https://dnsflagday.net/2020/

func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		a, b := x.Data[i], y.Data[i]
		if 'A' <= a && a <= 'Z' {
			a += 0x20
		}
		if 'A' <= b && b <= 'Z' {
			b += 0x20
		}
		if a != b {
			return false
		}
	}
	return true
}

func checkResponse(reqID uint16, reqQues dnsmessage.Question, respHdr dnsmessage.Header, respQs []dnsmessage.Question) error {
	if !respHdr.Response {
		return errors.New("resolver: response bit not set")
	}
	if reqID != respHdr.ID {
		return fmt.Errorf("resolver: message id mismatch: want %v got %v", reqID, respHdr.ID)
	}
	if len(respQs) == 0 {
		return errors.New("resolver: no questions in response")
	}
	respQ := respQs[0]
	if reqQues.Type != respQ.Type || reqQues.Class != respQ.Class || !equalASCIIName(reqQues.Name, respQ.Name) {
		return errors.New("resolver: response question doesn't match request")
	}
	return nil
}

func appendRequest(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	var rh dnsmessage.ResourceHeader
	if err := rh.SetEDNS0(maxDNSPacketSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, err
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// dnsStreamRoundtrip performs a DNS exchange over a stream protocol,
// length-prefixing messages with a 2-byte big-endian size per RFC 1035
// §4.2.2.
func dnsStreamRoundtrip(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 2, 514))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxMsgSize {
		return nil, fmt.Errorf("resolver: message too large: %d bytes", len(buf))
	}
	binary.BigEndian.PutUint16(buf[:2], uint16(len(buf)-2))
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("resolver: write request: %w", err)
	}
	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("resolver: read response length: %w", err)
	}
	if int(msgLen) <= cap(buf) {
		buf = buf[:msgLen]
	} else {
		buf = make([]byte, msgLen)
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("resolver: read response: %w", err)
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("resolver: unpack response: %w", err)
	}
	if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
		return nil, err
	}
	return &msg, nil
}

// dnsPacketRoundtrip performs a DNS exchange over a datagram protocol,
// retrying reads against stray/mismatched responses until one matches.
func dnsPacketRoundtrip(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 0, 512))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxMsgSize {
		return nil, fmt.Errorf("resolver: message too large: %d bytes", len(buf))
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("resolver: write request: %w", err)
	}
	respBuf := make([]byte, maxDNSPacketSize)
	for {
		n, err := conn.Read(respBuf)
		if err != nil {
			return nil, fmt.Errorf("resolver: read response: %w", err)
		}
		var msg dnsmessage.Message
		if err := msg.Unpack(respBuf[:n]); err != nil {
			return nil, fmt.Errorf("resolver: unpack response: %w", err)
		}
		if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
			continue
		}
		return &msg, nil
	}
}

// UpstreamPool is a RoundTripper that round-robins requests across a
// fixed set of upstream DNS server addresses over UDP or TCP.
type UpstreamPool struct {
	Addrs   []string
	Network string // "udp" or "tcp"
	Timeout time.Duration

	next uint64
}

var _ RoundTripper = (*UpstreamPool)(nil)

func (p *UpstreamPool) pick() string {
	i := atomic.AddUint64(&p.next, 1) - 1
	return p.Addrs[i%uint64(len(p.Addrs))]
}

func (p *UpstreamPool) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	if len(p.Addrs) == 0 {
		return nil, errors.New("resolver: upstream pool is empty")
	}
	addr := p.pick()
	var d net.Dialer
	conn, err := d.DialContext(ctx, p.Network, addr)
	if err != nil {
		return nil, fmt.Errorf("resolver: dial upstream %s: %w", addr, err)
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok && p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
		ok = true
	}
	if ok {
		conn.SetDeadline(deadline)
	}
	if p.Network == "udp" {
		return dnsPacketRoundtrip(conn, q)
	}
	return dnsStreamRoundtrip(conn, q)
}
