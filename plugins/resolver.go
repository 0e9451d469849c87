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
	"net"
	"time"
	"weak"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
	"github.com/ytflow/ytflowcore/resolver"
)

func init() {
	plugin.Default.Register("host-resolver", 0, parseHostResolver)
	plugin.Default.Register("fake-ip", 0, parseFakeIP)
	plugin.Default.Register("resolve-dest", 0, parseResolveDest)
	plugin.Default.Register("dns-server", 0, parseDNSServer)
	plugin.Default.Register("system-resolver", 0, parseSystemResolver)
}

type hostResolverConfig struct {
	UDP []string `cbor:"udp"` // upstream server addresses, host:port
	TCP []string `cbor:"tcp"`
	// Concurrency bounds in-flight upstream queries; 0 uses the default.
	Concurrency int    `cbor:"concurrency_limit_to_server"`
	MinTTL      uint32 `cbor:"min_ttl"`
	MaxTTL      uint32 `cbor:"max_ttl"`
}

type hostResolverFactory struct {
	name string
	cfg  hostResolverConfig
}

func parseHostResolver(name string, param []byte) (plugin.Factory, error) {
	f := &hostResolverFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "udp", len(f.cfg.UDP) > 0 || len(f.cfg.TCP) > 0); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *hostResolverFactory) Requires() []plugin.Demand { return nil }

func (f *hostResolverFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".resolver", Types: plugin.ResolverAPKind}}
}

func (f *hostResolverFactory) Load(name string, set *plugin.PartialSet) error {
	var rt resolver.RoundTripper
	if len(f.cfg.UDP) > 0 {
		rt = &resolver.UpstreamPool{Addrs: f.cfg.UDP, Network: "udp", Timeout: 5 * time.Second}
	} else {
		rt = &resolver.UpstreamPool{Addrs: f.cfg.TCP, Network: "tcp", Timeout: 5 * time.Second}
	}
	minTTL, maxTTL := 60*time.Second, time.Hour
	if f.cfg.MinTTL > 0 {
		minTTL = time.Duration(f.cfg.MinTTL) * time.Second
	}
	if f.cfg.MaxTTL > 0 {
		maxTTL = time.Duration(f.cfg.MaxTTL) * time.Second
	}
	r := resolver.NewHostResolver(resolver.NewCache(rt, minTTL, maxTTL), f.cfg.Concurrency)
	set.Publish(name+".resolver", &plugin.Handle{Kind: plugin.ResolverAPKind, Resolver: r})
	return nil
}

type systemResolverFactory struct{ name string }

func parseSystemResolver(name string, param []byte) (plugin.Factory, error) {
	return &systemResolverFactory{name: name}, nil
}

func (f *systemResolverFactory) Requires() []plugin.Demand { return nil }

func (f *systemResolverFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".resolver", Types: plugin.ResolverAPKind}}
}

func (f *systemResolverFactory) Load(name string, set *plugin.PartialSet) error {
	set.Publish(name+".resolver", &plugin.Handle{Kind: plugin.ResolverAPKind, Resolver: &resolver.NetResolver{}})
	return nil
}

type fakeIPConfig struct {
	PrefixV4 []byte `cbor:"prefix_v4"`
	PrefixV6 []byte `cbor:"prefix_v6"`
	Fallback string `cbor:"fallback"`
}

type fakeIPFactory struct {
	name string
	cfg  fakeIPConfig
}

func parseFakeIP(name string, param []byte) (plugin.Factory, error) {
	f := &fakeIPFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fakeIPFactory) Requires() []plugin.Demand {
	if f.cfg.Fallback == "" {
		return nil
	}
	return []plugin.Demand{{AP: f.cfg.Fallback, Types: plugin.ResolverAPKind}}
}

func (f *fakeIPFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".resolver", Types: plugin.ResolverAPKind}}
}

func (f *fakeIPFactory) Load(name string, set *plugin.PartialSet) error {
	fake := resolver.NewFakeIP(net.IP(f.cfg.PrefixV4), net.IP(f.cfg.PrefixV6))
	h := &plugin.Handle{Kind: plugin.ResolverAPKind, Resolver: fake}
	set.Publish(name+".resolver", h)
	return nil
}

// reverseLookuper is the reverse-map surface a fake-IP resolver exposes;
// resolve-dest only needs this one method of it.
type reverseLookuper interface {
	Lookup(ip net.IP) (string, bool)
}

// weakFakeIP resolves a weak resolver handle down to its reverse-lookup
// surface, if the published resolver has one.
type weakFakeIP struct{ p weak.Pointer[plugin.Handle] }

func (w weakFakeIP) Value() reverseLookuper {
	h := w.p.Value()
	if h == nil {
		return nil
	}
	if f, ok := h.Resolver.(reverseLookuper); ok {
		return f
	}
	return nil
}

// resolveDestConfig turns a connection targeting a fake IP back into one
// targeting the original domain by consulting the fake-IP reverse map,
// then hands the flow to the next handler.
type resolveDestConfig struct {
	Resolver string `cbor:"resolver"`
	TCPNext  string `cbor:"tcp_next"`
	UDPNext  string `cbor:"udp_next"`
}

type resolveDestFactory struct {
	name string
	cfg  resolveDestConfig
}

func parseResolveDest(name string, param []byte) (plugin.Factory, error) {
	f := &resolveDestFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "resolver", f.cfg.Resolver != ""); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", f.cfg.TCPNext != "" || f.cfg.UDPNext != ""); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *resolveDestFactory) Requires() []plugin.Demand {
	d := []plugin.Demand{{AP: f.cfg.Resolver, Types: plugin.ResolverAPKind}}
	if f.cfg.TCPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.TCPNext, Types: plugin.StreamHandlerKind})
	}
	if f.cfg.UDPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.UDPNext, Types: plugin.DatagramSessionHandlerKind})
	}
	return d
}

func (f *resolveDestFactory) Provides() []plugin.Provide {
	var p []plugin.Provide
	if f.cfg.TCPNext != "" {
		p = append(p, plugin.Provide{AP: f.name + ".tcp", Types: plugin.StreamHandlerKind})
	}
	if f.cfg.UDPNext != "" {
		p = append(p, plugin.Provide{AP: f.name + ".udp", Types: plugin.DatagramSessionHandlerKind})
	}
	return p
}

func (f *resolveDestFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{Kind: plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind}
	if f.cfg.TCPNext != "" {
		set.Publish(name+".tcp", h)
	}
	if f.cfg.UDPNext != "" {
		set.Publish(name+".udp", h)
	}

	rd := &resolveDest{}
	resolverHandle, err := set.Weak(f.cfg.Resolver)
	if err != nil {
		return err
	}
	rd.resolverHandle = weakFakeIP{resolverHandle}
	if f.cfg.TCPNext != "" {
		if rd.tcpNext, err = requireStreamHandler(set, f.cfg.TCPNext); err != nil {
			return err
		}
	}
	if f.cfg.UDPNext != "" {
		if rd.udpNext, err = requireDatagramHandler(set, f.cfg.UDPNext); err != nil {
			return err
		}
	}
	h.StreamHandler = rd
	h.DatagramSessionHandler = rd
	return nil
}

type resolveDest struct {
	resolverHandle weakFakeIP
	tcpNext        flow.StreamHandler
	udpNext        flow.DatagramSessionHandler
}

func (r *resolveDest) rewrite(fc *flow.Context) {
	ip := fc.RemotePeer.Host.IP()
	if ip == nil {
		return
	}
	fake := r.resolverHandle.Value()
	if fake == nil {
		return
	}
	if name, ok := fake.Lookup(ip); ok {
		fc.RemotePeer.Host = flow.DomainHost(name)
		fc.AFSensitive = true
	}
}

func (r *resolveDest) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	if r.tcpNext == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	r.rewrite(&fc)
	return r.tcpNext.HandleStream(ctx, s, fc)
}

func (r *resolveDest) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	if r.udpNext == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	r.rewrite(&fc)
	return r.udpNext.HandleDatagramSession(ctx, s, fc)
}

type dnsServerConfig struct {
	Resolver string `cbor:"resolver"`
	TTL      uint32 `cbor:"ttl"`
}

type dnsServerFactory struct {
	name string
	cfg  dnsServerConfig
}

func parseDNSServer(name string, param []byte) (plugin.Factory, error) {
	f := &dnsServerFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "resolver", f.cfg.Resolver != ""); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *dnsServerFactory) Requires() []plugin.Demand {
	return []plugin.Demand{{AP: f.cfg.Resolver, Types: plugin.ResolverAPKind}}
}

func (f *dnsServerFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".udp", Types: plugin.DatagramSessionHandlerKind}}
}

func (f *dnsServerFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{Kind: plugin.DatagramSessionHandlerKind}
	set.Publish(name+".udp", h)
	r, err := requireResolver(set, f.cfg.Resolver)
	if err != nil {
		return err
	}
	h.DatagramSessionHandler = &resolver.Server{Resolver: r, TTL: f.cfg.TTL}
	return nil
}
