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
	"net/netip"
	"strings"

	"github.com/ytflow/ytflowcore/dispatch"
	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("rule-dispatcher", 0, parseRuleDispatcher)
}

// actionLimit bounds how many distinct actions one dispatcher may carry.
const actionLimit = 15

type dispatcherAction struct {
	TCP      string `cbor:"tcp"`
	UDP      string `cbor:"udp"`
	Resolver string `cbor:"resolver"`
}

type dispatcherSource struct {
	Format string `cbor:"format"`
	Text   string `cbor:"text"`
}

type ruleDispatcherConfig struct {
	Resolver string                      `cbor:"resolver"`
	Source   dispatcherSource            `cbor:"source"`
	Actions  map[string]dispatcherAction `cbor:"actions"`
	Fallback dispatcherAction            `cbor:"fallback"`
	GeoIP    string                      `cbor:"geoip_path"`
}

type ruleDispatcherFactory struct {
	name string
	cfg  ruleDispatcherConfig
}

func parseRuleDispatcher(name string, param []byte) (plugin.Factory, error) {
	f := &ruleDispatcherFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "actions", len(f.cfg.Actions) <= actionLimit); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "source", f.cfg.Source.Text != ""); err != nil {
		return nil, err
	}
	return f, nil
}

func demandsOfAction(a dispatcherAction) []plugin.Demand {
	var d []plugin.Demand
	if a.TCP != "" {
		d = append(d, plugin.Demand{AP: a.TCP, Types: plugin.StreamHandlerKind})
	}
	if a.UDP != "" {
		d = append(d, plugin.Demand{AP: a.UDP, Types: plugin.DatagramSessionHandlerKind})
	}
	if a.Resolver != "" {
		d = append(d, plugin.Demand{AP: a.Resolver, Types: plugin.ResolverAPKind})
	}
	return d
}

func (f *ruleDispatcherFactory) Requires() []plugin.Demand {
	var d []plugin.Demand
	if f.cfg.Resolver != "" {
		d = append(d, plugin.Demand{AP: f.cfg.Resolver, Types: plugin.ResolverAPKind})
	}
	for _, a := range f.cfg.Actions {
		d = append(d, demandsOfAction(a)...)
	}
	d = append(d, demandsOfAction(f.cfg.Fallback)...)
	return d
}

func (f *ruleDispatcherFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamHandlerKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionHandlerKind,
	}, {
		AP:    f.name + ".resolver",
		Types: plugin.ResolverAPKind,
	}}
}

// boundAction is a compiled action: the weak handler/resolver endpoints a
// matched flow is dispatched to.
type boundAction struct {
	tcp      flow.StreamHandler
	udp      flow.DatagramSessionHandler
	resolver flow.Resolver
}

func (f *ruleDispatcherFactory) Load(name string, set *plugin.PartialSet) error {
	// Publish before resolving dependencies: an action may point back at
	// this dispatcher's own access points.
	h := &plugin.Handle{
		Kind: plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind | plugin.ResolverAPKind,
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)
	set.Publish(name+".resolver", h)

	bindAction := func(a dispatcherAction) (boundAction, error) {
		var b boundAction
		var err error
		if a.TCP != "" {
			if b.tcp, err = requireStreamHandler(set, a.TCP); err != nil {
				return b, err
			}
		}
		if a.UDP != "" {
			if b.udp, err = requireDatagramHandler(set, a.UDP); err != nil {
				return b, err
			}
		}
		if a.Resolver != "" {
			if b.resolver, err = requireResolver(set, a.Resolver); err != nil {
				return b, err
			}
		}
		return b, nil
	}

	d := &ruleDispatcher{actions: make(map[string]boundAction, len(f.cfg.Actions))}
	var err error
	if f.cfg.Resolver != "" {
		if d.resolver, err = requireResolver(set, f.cfg.Resolver); err != nil {
			return err
		}
	}
	actionHandles := make(map[string]dispatch.ActionHandle, len(f.cfg.Actions))
	for actionName, a := range f.cfg.Actions {
		if d.actions[actionName], err = bindAction(a); err != nil {
			return err
		}
		actionHandles[actionName] = dispatch.ActionHandle{Name: actionName}
	}
	if d.fallback, err = bindAction(f.cfg.Fallback); err != nil {
		return err
	}

	lines := strings.Split(f.cfg.Source.Text, "\n")
	if d.rules, err = dispatch.BuildQuanXRuleSet(lines, actionHandles, f.cfg.GeoIP); err != nil {
		return err
	}

	h.StreamHandler = d
	h.DatagramSessionHandler = d
	h.Resolver = d
	return nil
}

// ruleDispatcher consults the compiled rule set for each flow and hands
// it to the matched action's endpoint, or the fallback when nothing
// matches. As a resolver, it forwards queries for domains whose routing
// decision needs an IP to the configured resolver.
type ruleDispatcher struct {
	rules    *dispatch.RuleSet
	actions  map[string]boundAction
	fallback boundAction
	resolver flow.Resolver
}

func (d *ruleDispatcher) decide(ctx context.Context, fc flow.Context) boundAction {
	var v4, v6 *netip.Addr
	var domain *string

	if ip := fc.RemotePeer.Host.IP(); ip != nil {
		if a, ok := netip.AddrFromSlice(ip); ok {
			a = a.Unmap()
			if a.Is4() {
				v4 = &a
			} else {
				v6 = &a
			}
		}
	} else {
		name := fc.RemotePeer.Host.Domain()
		domain = &name
		if d.resolver != nil && d.rules.ShouldResolve(name) {
			// The earliest potentially matching rule needs an IP; resolve
			// lazily and only then.
			if ips, err := d.resolver.ResolveIPv4(ctx, name); err == nil && len(ips) > 0 {
				if a, ok := netip.AddrFromSlice(ips[0].To4()); ok {
					v4 = &a
				}
			}
		}
	}

	if handle, ok := d.rules.Match(v4, v6, domain); ok {
		if a, ok := d.actions[handle.Name]; ok {
			return a
		}
	}
	return d.fallback
}

func (d *ruleDispatcher) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	a := d.decide(ctx, fc)
	if a.tcp == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	return a.tcp.HandleStream(ctx, s, fc)
}

func (d *ruleDispatcher) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	a := d.decide(ctx, fc)
	if a.udp == nil {
		s.Close()
		return flow.ErrNoOutbound
	}
	return a.udp.HandleDatagramSession(ctx, s, fc)
}

// ResolveIPv4 implements flow.Resolver: queries whose answer would route
// through this dispatcher are forwarded to the matched action's resolver,
// falling back to the dispatcher's own upstream.
func (d *ruleDispatcher) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	return d.resolveWith(ctx, name, false)
}

func (d *ruleDispatcher) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	return d.resolveWith(ctx, name, true)
}

func (d *ruleDispatcher) resolveWith(ctx context.Context, name string, v6 bool) ([]net.IP, error) {
	r := d.resolver
	if handle, ok := d.rules.Match(nil, nil, &name); ok {
		if a, found := d.actions[handle.Name]; found && a.resolver != nil {
			r = a.resolver
		}
	} else if d.fallback.resolver != nil {
		r = d.fallback.resolver
	}
	if r == nil {
		return nil, flow.ErrNoOutbound
	}
	if v6 {
		return r.ResolveIPv6(ctx, name)
	}
	return r.ResolveIPv4(ctx, name)
}
