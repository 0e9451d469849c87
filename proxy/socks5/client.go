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

package socks5

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/ytflow/ytflowcore/flow"
)

// Credentials is a SOCKS5 username/password pair used by StreamDialer when
// set.
type Credentials struct {
	Username []byte
	Password []byte
}

// StreamDialer is a flow.StreamOutboundFactory that dials a SOCKS5 proxy,
// carrying the optional initial-data fold-in: the initial payload is
// appended right after the connect request completes, since SOCKS5 has no
// slot to carry payload inside the handshake itself.
type StreamDialer struct {
	Lower flow.StreamOutboundFactory
	Cred  *Credentials
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

// DialStream implements flow.StreamOutboundFactory.
func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	conn, _, err := d.Lower.DialStream(ctx, flow.Destination{}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("socks5: dial proxy: %w", err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			conn.Close()
		}
	}()

	greeting := []byte{version5, 1, authNoAuth}
	if d.Cred != nil {
		greeting = []byte{version5, 1, authUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return nil, nil, fmt.Errorf("socks5: write greeting: %w", err)
	}

	r := bufio.NewReader(conn)
	var resp [2]byte
	if _, err := io.ReadFull(r, resp[:]); err != nil {
		return nil, nil, fmt.Errorf("socks5: read method selection: %w", err)
	}
	if resp[0] != version5 {
		return nil, nil, fmt.Errorf("socks5: unexpected version %d", resp[0])
	}

	switch resp[1] {
	case authNoAuth:
	case authUserPass:
		if d.Cred == nil {
			return nil, nil, fmt.Errorf("socks5: server requires auth but none configured")
		}
		auth := make([]byte, 0, 2+len(d.Cred.Username)+1+len(d.Cred.Password))
		auth = append(auth, 0x01, byte(len(d.Cred.Username)))
		auth = append(auth, d.Cred.Username...)
		auth = append(auth, byte(len(d.Cred.Password)))
		auth = append(auth, d.Cred.Password...)
		if _, err := conn.Write(auth); err != nil {
			return nil, nil, fmt.Errorf("socks5: write auth: %w", err)
		}
		var authResp [2]byte
		if _, err := io.ReadFull(r, authResp[:]); err != nil {
			return nil, nil, fmt.Errorf("socks5: read auth reply: %w", err)
		}
		if authResp[1] != 0 {
			return nil, nil, fmt.Errorf("socks5: authentication failed")
		}
	default:
		return nil, nil, fmt.Errorf("socks5: server rejected all auth methods")
	}

	req := make([]byte, 0, 4+flow.DestinationLen(dst))
	req = append(req, version5, cmdConnect, 0x00)
	var buf []byte
	func() {
		b := &bufWriter{}
		flow.WriteDestination(b, dst)
		buf = b.b
	}()
	req = append(req, buf...)
	if _, err := conn.Write(req); err != nil {
		return nil, nil, fmt.Errorf("socks5: write connect request: %w", err)
	}

	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, nil, fmt.Errorf("socks5: read connect reply header: %w", err)
	}
	if head[0] != version5 {
		return nil, nil, fmt.Errorf("socks5: unexpected reply version %d", head[0])
	}
	if head[1] != replySucceeded {
		return nil, nil, ReplyCode(head[1])
	}
	// Discard BND.ADDR / BND.PORT, sharing the destination codec.
	if _, err := flow.ReadDestination(r); err != nil {
		return nil, nil, fmt.Errorf("socks5: read bound address: %w", err)
	}

	if len(initialData) > 0 {
		if _, err := conn.Write(initialData); err != nil {
			return nil, nil, fmt.Errorf("socks5: write initial data: %w", err)
		}
	}

	closeOnErr = false
	return flow.WrapStream(conn, r, conn), nil, nil
}

// bufWriter is a minimal io.Writer over a growable slice, used where
// flow.WriteDestination needs a writer but we want the bytes back rather
// than sent immediately.
type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
