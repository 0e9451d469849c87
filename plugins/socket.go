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
	"fmt"
	"net"
	"strconv"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("socket", 0, parseSocket)
	plugin.Default.Register("netif", 0, parseNetif)
}

// Netif is the opaque network-interface value a netif plugin publishes:
// the OS interface plus the addresses and DNS servers learned from it.
type Netif struct {
	Name       string
	Index      int
	IPv4       net.IP
	IPv6       net.IP
	DNSServers []net.IP
}

type netifConfig struct {
	FamilyPreference string `cbor:"family_preference"`
	Type             string `cbor:"type"`
	Name             string `cbor:"name"`
}

type netifFactory struct {
	name string
	cfg  netifConfig
}

func parseNetif(name string, param []byte) (plugin.Factory, error) {
	f := &netifFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *netifFactory) Requires() []plugin.Demand { return nil }

func (f *netifFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".netif", Types: plugin.NetifAPKind}}
}

func (f *netifFactory) Load(name string, set *plugin.PartialSet) error {
	nif := &Netif{Name: f.cfg.Name}
	if f.cfg.Name != "" {
		if ifi, err := net.InterfaceByName(f.cfg.Name); err == nil {
			nif.Index = ifi.Index
			addrs, _ := ifi.Addrs()
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				if v4 := ipn.IP.To4(); v4 != nil && nif.IPv4 == nil {
					nif.IPv4 = v4
				} else if v4 == nil && nif.IPv6 == nil && ipn.IP.IsGlobalUnicast() {
					nif.IPv6 = ipn.IP
				}
			}
		}
	}
	set.Publish(name+".netif", &plugin.Handle{Kind: plugin.NetifAPKind, Netif: nif})
	return nil
}

// socketConfig dials real OS sockets. A resolver dependency turns domain
// destinations into addresses; netif, when configured, names the interface
// to bind to (consumed as an opaque value).
type socketConfig struct {
	Resolver string `cbor:"resolver"`
	Netif    string `cbor:"netif"`
}

type socketFactory struct {
	name string
	cfg  socketConfig
}

func parseSocket(name string, param []byte) (plugin.Factory, error) {
	f := &socketFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *socketFactory) Requires() []plugin.Demand {
	var d []plugin.Demand
	if f.cfg.Resolver != "" {
		d = append(d, plugin.Demand{AP: f.cfg.Resolver, Types: plugin.ResolverAPKind})
	}
	if f.cfg.Netif != "" {
		d = append(d, plugin.Demand{AP: f.cfg.Netif, Types: plugin.NetifAPKind})
	}
	return d
}

func (f *socketFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamOutboundFactoryKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionFactoryKind,
	}}
}

func (f *socketFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{Kind: plugin.StreamOutboundFactoryKind | plugin.DatagramSessionFactoryKind}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)

	s := &socketOutbound{}
	if f.cfg.Resolver != "" {
		r, err := requireResolver(set, f.cfg.Resolver)
		if err != nil {
			return err
		}
		s.resolver = r
	}
	h.OutboundFactory = s
	h.DatagramFactory = s
	return nil
}

type socketOutbound struct {
	resolver flow.Resolver
	dialer   net.Dialer
}

func (s *socketOutbound) resolveAddr(ctx context.Context, dst flow.Destination) (string, error) {
	if dst.Host.IsIP() {
		return dst.NetAddr(), nil
	}
	if s.resolver == nil {
		// Fall back to the OS resolver via the dialer itself.
		return dst.NetAddr(), nil
	}
	ips, err := s.resolver.ResolveIPv4(ctx, dst.Host.Domain())
	if err != nil || len(ips) == 0 {
		if ips6, err6 := s.resolver.ResolveIPv6(ctx, dst.Host.Domain()); err6 == nil && len(ips6) > 0 {
			ips = ips6
		} else if err != nil {
			return "", err
		}
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("socket: no address for %q", dst.Host.Domain())
	}
	return net.JoinHostPort(ips[0].String(), strconv.Itoa(int(dst.Port))), nil
}

// DialStream implements flow.StreamOutboundFactory. initialData, when
// present, rides the first segment via a write immediately after connect.
func (s *socketOutbound) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	addr, err := s.resolveAddr(ctx, dst)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("socket: dial %s: %w", addr, err)
	}
	tcpConn := conn.(*net.TCPConn)
	tcpConn.SetNoDelay(true)
	if len(initialData) > 0 {
		if _, err := tcpConn.Write(initialData); err != nil {
			tcpConn.Close()
			return nil, nil, err
		}
	}
	return tcpStreamConn{tcpConn}, nil, nil
}

// Bind implements flow.DatagramSessionFactory with an unconnected UDP
// socket so one session can exchange datagrams with multiple remotes.
func (s *socketOutbound) Bind(ctx context.Context, fc flow.Context) (flow.DatagramSession, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("socket: bind udp: %w", err)
	}
	return &socketDatagramSession{conn: conn, resolver: s.resolver}, nil
}

// tcpStreamConn adapts *net.TCPConn (which already has CloseRead and
// CloseWrite) to flow.Stream.
type tcpStreamConn struct{ *net.TCPConn }

var _ flow.Stream = tcpStreamConn{}

type socketDatagramSession struct {
	conn     *net.UDPConn
	resolver flow.Resolver
}

var _ flow.DatagramSession = (*socketDatagramSession)(nil)

func (s *socketDatagramSession) RecvFrom(ctx context.Context) (flow.Destination, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, 65535)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return flow.Destination{}, nil, err
	}
	return flow.Destination{Host: flow.IPHost(addr.IP), Port: uint16(addr.Port)}, buf[:n], nil
}

func (s *socketDatagramSession) SendTo(ctx context.Context, dst flow.Destination, payload []byte) error {
	ip := dst.Host.IP()
	if ip == nil {
		if s.resolver == nil {
			return flow.ErrNoOutbound
		}
		ips, err := s.resolver.ResolveIPv4(ctx, dst.Host.Domain())
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("socket: resolve %q: %w", dst.Host.Domain(), err)
		}
		ip = ips[0]
	}
	_, err := s.conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: int(dst.Port)})
	return err
}

func (s *socketDatagramSession) Close() error { return s.conn.Close() }
