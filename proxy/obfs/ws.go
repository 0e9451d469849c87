// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obfs implements the lightweight obfuscation layers: WebSocket,
// Simple-TLS, and Simple-HTTP, each wrapping or upgrading a lower
// flow.Stream.
package obfs

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ytflow/ytflowcore/flow"
)

// WebSocketDialer is an outbound-only flow.StreamOutboundFactory that
// upgrades a lower connection to a WebSocket, framing every committed
// write as one binary message and every received binary frame as one read
// chunk. Normal-closure and going-away close frames map to io.EOF; any
// other read error, other close codes included, is returned wrapped with
// an "obfs: websocket read" prefix.
type WebSocketDialer struct {
	Lower flow.StreamOutboundFactory
	// Host overrides the Host header / SNI; falls back to the destination
	// host when empty.
	Host string
	Path string
	// Headers are extra HTTP headers added to the upgrade request.
	Headers map[string]string
	TLS     *tls.Config
}

var _ flow.StreamOutboundFactory = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	host := d.Host
	if host == "" {
		host = dst.Host.String()
	}
	scheme := "ws"
	if d.TLS != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: d.Path}

	var hdr http.Header
	if len(d.Headers) > 0 {
		hdr = make(http.Header, len(d.Headers))
		for k, v := range d.Headers {
			hdr.Set(k, v)
		}
	}

	wsDialer := &websocket.Dialer{
		TLSClientConfig: d.TLS,
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			conn, _, err := d.Lower.DialStream(ctx, dst, nil)
			if err != nil {
				return nil, err
			}
			return streamAsNetConn{conn}, nil
		},
	}
	wsConn, _, err := wsDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("obfs: websocket upgrade failed: %w", err)
	}
	gc := newGorillaStream(wsConn)
	if len(initialData) > 0 {
		if _, err := gc.Write(initialData); err != nil {
			return nil, nil, err
		}
	}
	return gc, nil, nil
}

type streamAsNetConn struct{ flow.Stream }

type gorillaStream struct {
	wsConn *websocket.Conn

	readMu, writeMu sync.Mutex
	readErr         error
	pendingReader   io.Reader
}

var _ flow.Stream = (*gorillaStream)(nil)

func newGorillaStream(c *websocket.Conn) *gorillaStream {
	g := &gorillaStream{wsConn: c}
	c.SetCloseHandler(func(code int, text string) error {
		g.readErr = io.EOF
		return nil
	})
	return g
}

func (g *gorillaStream) LocalAddr() net.Addr  { return g.wsConn.LocalAddr() }
func (g *gorillaStream) RemoteAddr() net.Addr { return g.wsConn.RemoteAddr() }

func (g *gorillaStream) SetDeadline(t time.Time) error {
	err1 := g.wsConn.SetReadDeadline(t)
	err2 := g.wsConn.SetWriteDeadline(t)
	if err1 != nil {
		return err1
	}
	return err2
}
func (g *gorillaStream) SetReadDeadline(t time.Time) error  { return g.wsConn.SetReadDeadline(t) }
func (g *gorillaStream) SetWriteDeadline(t time.Time) error { return g.wsConn.SetWriteDeadline(t) }

func (g *gorillaStream) Read(buf []byte) (int, error) {
	g.readMu.Lock()
	defer g.readMu.Unlock()
	if g.readErr != nil {
		return 0, g.readErr
	}
	for {
		if g.pendingReader == nil {
			mt, r, err := g.wsConn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					g.readErr = io.EOF
					return 0, io.EOF
				}
				g.readErr = fmt.Errorf("obfs: websocket read: %w", err)
				return 0, g.readErr
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			g.pendingReader = r
		}
		n, err := g.pendingReader.Read(buf)
		if err == io.EOF {
			g.pendingReader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (g *gorillaStream) Write(buf []byte) (int, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.wsConn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return 0, fmt.Errorf("obfs: websocket write: %w", err)
	}
	return len(buf), nil
}

// CloseRead is a no-op: WebSocket has no half-close on the read side.
func (g *gorillaStream) CloseRead() error { return nil }

// CloseWrite sends a close frame but keeps the connection open for
// reading; WebSocket has no true half-close, so the close frame is the
// nearest equivalent.
func (g *gorillaStream) CloseWrite() error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.wsConn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (g *gorillaStream) Close() error { return g.wsConn.Close() }
