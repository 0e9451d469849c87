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

package socks5

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/ytflow/ytflowcore/flow"
)

// Server is a flow.StreamHandler that performs the inbound SOCKS5
// handshake, rewriting fc.RemotePeer to the client's own
// CONNECT destination before handing the stream to Next. Only CMD=1
// (CONNECT) is accepted; anything else replies 0x05 0x07 and returns an
// error.
type Server struct {
	// Cred, if non-nil, requires username/password auth (method 0x02);
	// otherwise method 0x00 (no auth) is required.
	Cred *Credentials
	Next flow.StreamHandler
}

var _ flow.StreamHandler = (*Server)(nil)

// HandleStream implements flow.StreamHandler.
func (s *Server) HandleStream(ctx context.Context, inbound flow.Stream, fc flow.Context) error {
	r := bufio.NewReader(inbound)

	ver, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("socks5: read version: %w", err)
	}
	if ver != version5 {
		return fmt.Errorf("socks5: unexpected version %d", ver)
	}
	nMethods, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("socks5: read nmethods: %w", err)
	}
	if nMethods == 0 {
		return fmt.Errorf("socks5: nauth must be at least 1")
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	wantMethod := byte(authNoAuth)
	if s.Cred != nil {
		wantMethod = authUserPass
	}
	accepted := false
	for _, m := range methods {
		if m == wantMethod {
			accepted = true
			break
		}
	}
	if !accepted {
		inbound.Write([]byte{version5, authNoMethod})
		return fmt.Errorf("socks5: no acceptable auth method offered")
	}
	if _, err := inbound.Write([]byte{version5, wantMethod}); err != nil {
		return err
	}

	if s.Cred != nil {
		if err := s.authenticate(r, inbound); err != nil {
			return err
		}
	}

	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("socks5: read request header: %w", err)
	}
	if head[0] != version5 {
		return fmt.Errorf("socks5: unexpected request version %d", head[0])
	}
	if head[1] != cmdConnect {
		inbound.Write([]byte{version5, replyCommandNotSupported, 0x00, flow.AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
		return fmt.Errorf("socks5: unsupported command %d", head[1])
	}

	dst, err := flow.ReadDestination(r)
	if err != nil {
		return fmt.Errorf("socks5: read destination: %w", err)
	}

	reply := make([]byte, 0, 10)
	reply = append(reply, version5, replySucceeded, 0x00)
	func() {
		b := &bufWriter{}
		flow.WriteDestination(b, dst)
		reply = append(reply, b.b...)
	}()
	if _, err := inbound.Write(reply); err != nil {
		return fmt.Errorf("socks5: write connect reply: %w", err)
	}

	fc.RemotePeer = dst
	return s.Next.HandleStream(ctx, flow.WrapStream(inbound, r, inbound), fc)
}

func (s *Server) authenticate(r *bufio.Reader, w io.Writer) error {
	ver, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("socks5: read auth version: %w", err)
	}
	if ver != 0x01 {
		return fmt.Errorf("socks5: unexpected auth version %d", ver)
	}
	ulen, err := r.ReadByte()
	if err != nil {
		return err
	}
	user := make([]byte, ulen)
	if _, err := io.ReadFull(r, user); err != nil {
		return err
	}
	plen, err := r.ReadByte()
	if err != nil {
		return err
	}
	pass := make([]byte, plen)
	if _, err := io.ReadFull(r, pass); err != nil {
		return err
	}

	ok := subtle.ConstantTimeCompare(user, s.Cred.Username) == 1 &&
		subtle.ConstantTimeCompare(pass, s.Cred.Password) == 1
	if !ok {
		w.Write([]byte{0x01, 0x01})
		return fmt.Errorf("socks5: invalid credentials")
	}
	_, err = w.Write([]byte{0x01, 0x00})
	return err
}
