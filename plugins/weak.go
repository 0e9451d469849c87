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

// Package plugins registers every built-in plugin kind into the loader's
// registry: the proxy protocol clients, obfuscators, TLS, the rule
// dispatcher, resolvers, the IP stack, and the misc glue plugins
// (redirect, reject, null, socket, resolve-dest, fake-ip, socket-listener,
// forward). Importing the package for side effects is enough:
//
//	import _ "github.com/ytflow/ytflowcore/plugins"
package plugins

import (
	"context"
	"net"
	"weak"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

// The weak* adapters let a plugin hold a dependency across its whole
// lifetime without keeping the peer alive: each call upgrades the weak
// pointer, and once the owning plugin set is dropped the upgrade fails and
// the call reports a missing outbound. Background tasks observing these
// failures exit.

type weakOutbound struct{ p weak.Pointer[plugin.Handle] }

var _ flow.StreamOutboundFactory = weakOutbound{}

func (w weakOutbound) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	h := w.p.Value()
	if h == nil || h.OutboundFactory == nil {
		return nil, nil, flow.ErrNoOutbound
	}
	return h.OutboundFactory.DialStream(ctx, dst, initialData)
}

type weakDatagramFactory struct{ p weak.Pointer[plugin.Handle] }

var _ flow.DatagramSessionFactory = weakDatagramFactory{}

func (w weakDatagramFactory) Bind(ctx context.Context, fc flow.Context) (flow.DatagramSession, error) {
	h := w.p.Value()
	if h == nil || h.DatagramFactory == nil {
		return nil, flow.ErrNoOutbound
	}
	return h.DatagramFactory.Bind(ctx, fc)
}

type weakStreamHandler struct{ p weak.Pointer[plugin.Handle] }

var _ flow.StreamHandler = weakStreamHandler{}

func (w weakStreamHandler) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	h := w.p.Value()
	if h == nil || h.StreamHandler == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	return h.StreamHandler.HandleStream(ctx, s, fc)
}

type weakDatagramHandler struct{ p weak.Pointer[plugin.Handle] }

var _ flow.DatagramSessionHandler = weakDatagramHandler{}

func (w weakDatagramHandler) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	h := w.p.Value()
	if h == nil || h.DatagramSessionHandler == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	return h.DatagramSessionHandler.HandleDatagramSession(ctx, s, fc)
}

type weakResolver struct{ p weak.Pointer[plugin.Handle] }

var _ flow.Resolver = weakResolver{}

func (w weakResolver) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	h := w.p.Value()
	if h == nil || h.Resolver == nil {
		return nil, flow.ErrNoOutbound
	}
	return h.Resolver.ResolveIPv4(ctx, name)
}

func (w weakResolver) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	h := w.p.Value()
	if h == nil || h.Resolver == nil {
		return nil, flow.ErrNoOutbound
	}
	return h.Resolver.ResolveIPv6(ctx, name)
}

// requireTCPOutbound / requireUDPFactory / requireStreamHandler /
// requireDatagramHandler / requireResolver resolve one dependency AP to
// its weak adapter during Load.
func requireTCPOutbound(set *plugin.PartialSet, ap string) (flow.StreamOutboundFactory, error) {
	p, err := set.Weak(ap)
	if err != nil {
		return nil, err
	}
	return weakOutbound{p}, nil
}

func requireUDPFactory(set *plugin.PartialSet, ap string) (flow.DatagramSessionFactory, error) {
	p, err := set.Weak(ap)
	if err != nil {
		return nil, err
	}
	return weakDatagramFactory{p}, nil
}

func requireStreamHandler(set *plugin.PartialSet, ap string) (flow.StreamHandler, error) {
	p, err := set.Weak(ap)
	if err != nil {
		return nil, err
	}
	return weakStreamHandler{p}, nil
}

func requireDatagramHandler(set *plugin.PartialSet, ap string) (flow.DatagramSessionHandler, error) {
	p, err := set.Weak(ap)
	if err != nil {
		return nil, err
	}
	return weakDatagramHandler{p}, nil
}

func requireResolver(set *plugin.PartialSet, ap string) (flow.Resolver, error) {
	p, err := set.Weak(ap)
	if err != nil {
		return nil, err
	}
	return weakResolver{p}, nil
}
