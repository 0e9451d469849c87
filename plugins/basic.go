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
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("null", 0, parseNull)
	plugin.Default.Register("reject", 0, parseReject)
	plugin.Default.Register("redirect", 0, parseRedirect)
}

// nullFactory provides drain endpoints: streams and sessions are closed
// as soon as they arrive, outbound dials report no outbound. It backs the
// $null drain of proxy graphs.
type nullFactory struct{ name string }

func parseNull(name string, param []byte) (plugin.Factory, error) {
	return &nullFactory{name: name}, nil
}

func (f *nullFactory) Requires() []plugin.Demand { return nil }

func (f *nullFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamHandlerKind | plugin.StreamOutboundFactoryKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionHandlerKind | plugin.DatagramSessionFactoryKind,
	}}
}

func (f *nullFactory) Load(name string, set *plugin.PartialSet) error {
	n := nullEndpoint{}
	h := &plugin.Handle{
		Kind: plugin.StreamHandlerKind | plugin.StreamOutboundFactoryKind |
			plugin.DatagramSessionHandlerKind | plugin.DatagramSessionFactoryKind,
		StreamHandler:          n,
		DatagramSessionHandler: n,
		OutboundFactory:        n,
		DatagramFactory:        n,
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)
	return nil
}

type nullEndpoint struct{}

func (nullEndpoint) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	return s.Close()
}

func (nullEndpoint) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	return s.Close()
}

func (nullEndpoint) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	return nil, nil, flow.ErrNoOutbound
}

func (nullEndpoint) Bind(ctx context.Context, fc flow.Context) (flow.DatagramSession, error) {
	return nullSession{done: make(chan struct{})}, nil
}

// nullSession swallows sends and never yields a datagram, the UDP drain
// behavior $null.udp needs: the flow stays "connected" but dead.
type nullSession struct{ done chan struct{} }

func (s nullSession) RecvFrom(ctx context.Context) (flow.Destination, []byte, error) {
	select {
	case <-ctx.Done():
		return flow.Destination{}, nil, ctx.Err()
	case <-s.done:
		return flow.Destination{}, nil, io.EOF
	}
}

func (s nullSession) SendTo(ctx context.Context, dst flow.Destination, payload []byte) error {
	return nil
}

func (s nullSession) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

// rejectFactory actively refuses flows: inbound streams and sessions are
// closed immediately, and the handler reports an error upstream so the
// dispatcher can count the rejection.
type rejectFactory struct{ name string }

func parseReject(name string, param []byte) (plugin.Factory, error) {
	return &rejectFactory{name: name}, nil
}

func (f *rejectFactory) Requires() []plugin.Demand { return nil }

func (f *rejectFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamHandlerKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionHandlerKind,
	}}
}

func (f *rejectFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{
		Kind:                   plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind,
		StreamHandler:          rejectHandler{},
		DatagramSessionHandler: rejectHandler{},
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)
	return nil
}

type rejectHandler struct{}

func (rejectHandler) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	s.Close()
	return flow.ErrNoOutbound
}

func (rejectHandler) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	s.Close()
	return flow.ErrNoOutbound
}

// redirectConfig rewrites the flow's destination before handing it to the
// next handler, the one sanctioned mutation of fc.RemotePeer besides the
// SOCKS5 server's.
type redirectConfig struct {
	Dest    destParam `cbor:"dest"`
	TCPNext string    `cbor:"tcp_next"`
	UDPNext string    `cbor:"udp_next"`
}

// destParam is the CBOR shape of a destination in plugin params: a map
// {host, port} where host is either a text domain or a bytes IP.
type destParam struct {
	Host cborHost `cbor:"host"`
	Port uint16   `cbor:"port"`
}

func (d destParam) destination() flow.Destination {
	return flow.Destination{Host: d.Host.HostName(), Port: d.Port}
}

type redirectFactory struct {
	name string
	cfg  redirectConfig
}

func parseRedirect(name string, param []byte) (plugin.Factory, error) {
	f := &redirectFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", f.cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return f, nil
}

// Requires demands only that the next access points exist. Redirect plays
// both the handler and the outbound-factory role depending on which side
// of the graph consumes it, so it cannot pin its dependencies to one
// capability bit; the role mismatch surfaces at flow time as NoOutbound.
func (f *redirectFactory) Requires() []plugin.Demand {
	d := []plugin.Demand{{AP: f.cfg.TCPNext}}
	if f.cfg.UDPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.UDPNext})
	}
	return d
}

func (f *redirectFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamHandlerKind | plugin.StreamOutboundFactoryKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionHandlerKind | plugin.DatagramSessionFactoryKind,
	}}
}

func (f *redirectFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{
		Kind: plugin.StreamHandlerKind | plugin.StreamOutboundFactoryKind |
			plugin.DatagramSessionHandlerKind | plugin.DatagramSessionFactoryKind,
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)

	r := &redirect{dest: f.cfg.Dest.destination()}
	var err error
	if r.tcpNextHandler, err = requireStreamHandler(set, f.cfg.TCPNext); err != nil {
		return err
	}
	if r.tcpNextOutbound, err = requireTCPOutbound(set, f.cfg.TCPNext); err != nil {
		return err
	}
	if f.cfg.UDPNext != "" {
		if r.udpNextHandler, err = requireDatagramHandler(set, f.cfg.UDPNext); err != nil {
			return err
		}
		if r.udpNextFactory, err = requireUDPFactory(set, f.cfg.UDPNext); err != nil {
			return err
		}
	}
	h.StreamHandler = r
	h.OutboundFactory = r
	h.DatagramSessionHandler = r
	h.DatagramFactory = r
	return nil
}

type redirect struct {
	dest            flow.Destination
	tcpNextHandler  flow.StreamHandler
	tcpNextOutbound flow.StreamOutboundFactory
	udpNextHandler  flow.DatagramSessionHandler
	udpNextFactory  flow.DatagramSessionFactory
}

func (r *redirect) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	fc.RemotePeer = r.dest
	return r.tcpNextHandler.HandleStream(ctx, s, fc)
}

func (r *redirect) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	if r.udpNextHandler == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	fc.RemotePeer = r.dest
	return r.udpNextHandler.HandleDatagramSession(ctx, s, fc)
}

func (r *redirect) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	return r.tcpNextOutbound.DialStream(ctx, r.dest, initialData)
}

func (r *redirect) Bind(ctx context.Context, fc flow.Context) (flow.DatagramSession, error) {
	if r.udpNextFactory == nil {
		return nil, flow.ErrNoOutbound
	}
	fc.RemotePeer = r.dest
	return r.udpNextFactory.Bind(ctx, fc)
}

// cborHost decodes a host that may arrive as a text domain name or a
// 4/16-byte IP.
type cborHost struct {
	domain string
	ip     net.IP
}

func (h *cborHost) HostName() flow.HostName {
	if h.ip != nil {
		return flow.IPHost(h.ip)
	}
	return flow.DomainHost(h.domain)
}

func (h *cborHost) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err == nil {
		if ip := net.ParseIP(s); ip != nil {
			h.ip = ip
			return nil
		}
		h.domain = s
		return nil
	}
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	h.ip = net.IP(b)
	return nil
}

func (h cborHost) MarshalCBOR() ([]byte, error) {
	if h.ip != nil {
		if ip4 := h.ip.To4(); ip4 != nil {
			return cbor.Marshal([]byte(ip4))
		}
		return cbor.Marshal([]byte(h.ip.To16()))
	}
	return cbor.Marshal(h.domain)
}
