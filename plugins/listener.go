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

package plugins

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"weak"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("socket-listener", 0, parseSocketListener)
}

type socketListenerConfig struct {
	TCPListen string `cbor:"tcp_listen"`
	UDPListen string `cbor:"udp_listen"`
	TCPNext   string `cbor:"tcp_next"`
	UDPNext   string `cbor:"udp_next"`
}

type socketListenerFactory struct {
	name string
	cfg  socketListenerConfig
}

func parseSocketListener(name string, param []byte) (plugin.Factory, error) {
	f := &socketListenerFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_listen", f.cfg.TCPListen != "" || f.cfg.UDPListen != ""); err != nil {
		return nil, err
	}
	if f.cfg.TCPListen != "" {
		if err := plugin.RequireField(name, "tcp_next", f.cfg.TCPNext != ""); err != nil {
			return nil, err
		}
	}
	if f.cfg.UDPListen != "" {
		if err := plugin.RequireField(name, "udp_next", f.cfg.UDPNext != ""); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *socketListenerFactory) Requires() []plugin.Demand {
	var d []plugin.Demand
	if f.cfg.TCPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.TCPNext, Types: plugin.StreamHandlerKind})
	}
	if f.cfg.UDPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.UDPNext, Types: plugin.DatagramSessionHandlerKind})
	}
	return d
}

func (f *socketListenerFactory) Provides() []plugin.Provide { return nil }

func (f *socketListenerFactory) Load(name string, set *plugin.PartialSet) error {
	// The listener is an entry plugin: it provides no access points, only
	// consumes handlers. Its accept loops hold a weak reference to the
	// handler's handle, so dropping the plugin set stops them.
	if f.cfg.TCPListen != "" {
		next, err := set.Weak(f.cfg.TCPNext)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", f.cfg.TCPListen)
		if err != nil {
			return err
		}
		go acceptTCP(ln, next)
	}
	if f.cfg.UDPListen != "" {
		next, err := set.Weak(f.cfg.UDPNext)
		if err != nil {
			return err
		}
		pc, err := net.ListenUDP("udp", mustResolveUDP(f.cfg.UDPListen))
		if err != nil {
			return err
		}
		go acceptUDP(pc, next)
	}
	return nil
}

func mustResolveUDP(addr string) *net.UDPAddr {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil
	}
	return ua
}

func acceptTCP(ln net.Listener, next weak.Pointer[plugin.Handle]) {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h := next.Value()
		if h == nil {
			conn.Close()
			return
		}
		if h.StreamHandler == nil {
			conn.Close()
			continue
		}
		tcpConn := conn.(*net.TCPConn)
		tcpConn.SetNoDelay(true)
		fc := flow.Context{
			LocalPeer: conn.RemoteAddr(),
			// The real destination is not known until a proxy-server plugin
			// (e.g. SOCKS5) parses the client's request and rewrites it.
			RemotePeer: flow.Destination{},
		}
		go func() {
			if err := h.StreamHandler.HandleStream(context.Background(), tcpStreamConn{tcpConn}, fc); err != nil {
				slog.Debug("inbound stream ended with error", "peer", fc.LocalPeer, "err", err)
			}
		}()
	}
}

// acceptUDP demultiplexes one UDP socket into per-source sessions, each
// handed to the configured handler.
func acceptUDP(pc *net.UDPConn, next weak.Pointer[plugin.Handle]) {
	defer pc.Close()
	sessions := make(map[string]*listenerUDPSession)
	var mu sync.Mutex

	buf := make([]byte, 65535)
	for {
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		h := next.Value()
		if h == nil {
			return
		}
		if h.DatagramSessionHandler == nil {
			continue
		}
		key := addr.String()
		mu.Lock()
		sess, ok := sessions[key]
		if !ok {
			sess = &listenerUDPSession{
				pc:     pc,
				client: addr,
				ch:     make(chan []byte, 64),
				done:   make(chan struct{}),
			}
			sessions[key] = sess
			fc := flow.Context{LocalPeer: addr, RemotePeer: flow.Destination{}}
			go func() {
				defer func() {
					mu.Lock()
					delete(sessions, key)
					mu.Unlock()
				}()
				h.DatagramSessionHandler.HandleDatagramSession(context.Background(), sess, fc)
			}()
		}
		mu.Unlock()

		payload := append([]byte(nil), buf[:n]...)
		select {
		case sess.ch <- payload:
		default:
		}
	}
}

type listenerUDPSession struct {
	pc     *net.UDPConn
	client *net.UDPAddr
	ch     chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

var _ flow.DatagramSession = (*listenerUDPSession)(nil)

func (s *listenerUDPSession) RecvFrom(ctx context.Context) (flow.Destination, []byte, error) {
	select {
	case p := <-s.ch:
		return flow.Destination{}, p, nil
	case <-s.done:
		return flow.Destination{}, nil, context.Canceled
	case <-ctx.Done():
		return flow.Destination{}, nil, ctx.Err()
	}
}

func (s *listenerUDPSession) SendTo(ctx context.Context, dst flow.Destination, payload []byte) error {
	_, err := s.pc.WriteToUDP(payload, s.client)
	return err
}

func (s *listenerUDPSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
