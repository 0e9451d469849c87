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
	"weak"

	"github.com/ytflow/ytflowcore/ipstack"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("ip-stack", 0, parseIPStack)
	plugin.Default.Register("vpn-tun", 0, parseVPNTun)
}

type vpnTunConfig struct {
	Name string `cbor:"name"`
}

type vpnTunFactory struct {
	name string
	cfg  vpnTunConfig
}

func parseVPNTun(name string, param []byte) (plugin.Factory, error) {
	f := &vpnTunFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *vpnTunFactory) Requires() []plugin.Demand { return nil }

func (f *vpnTunFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{AP: f.name + ".tun", Types: plugin.TunAPKind}}
}

func (f *vpnTunFactory) Load(name string, set *plugin.PartialSet) error {
	tun, err := ipstack.OpenTun(f.cfg.Name)
	if err != nil {
		return err
	}
	set.Publish(name+".tun", &plugin.Handle{Kind: plugin.TunAPKind, Tun: tun})
	return nil
}

type ipStackConfig struct {
	Tun     string `cbor:"tun"`
	TCPNext string `cbor:"tcp_next"`
	UDPNext string `cbor:"udp_next"`
}

type ipStackFactory struct {
	name string
	cfg  ipStackConfig
}

func parseIPStack(name string, param []byte) (plugin.Factory, error) {
	f := &ipStackFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tun", f.cfg.Tun != ""); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", f.cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ipStackFactory) Requires() []plugin.Demand {
	d := []plugin.Demand{
		{AP: f.cfg.Tun, Types: plugin.TunAPKind},
		{AP: f.cfg.TCPNext, Types: plugin.StreamHandlerKind},
	}
	if f.cfg.UDPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.UDPNext, Types: plugin.DatagramSessionHandlerKind})
	}
	return d
}

func (f *ipStackFactory) Provides() []plugin.Provide { return nil }

func (f *ipStackFactory) Load(name string, set *plugin.PartialSet) error {
	tunHandle, err := set.Strong(f.cfg.Tun)
	if err != nil {
		return err
	}
	tcpNext, err := set.Weak(f.cfg.TCPNext)
	if err != nil {
		return err
	}
	var udpNext weak.Pointer[plugin.Handle]
	if f.cfg.UDPNext != "" {
		if udpNext, err = set.Weak(f.cfg.UDPNext); err != nil {
			return err
		}
	}

	stack := ipstack.New(tunHandle.Tun, weakStreamHandler{tcpNext}, weakDatagramHandler{udpNext}, slog.Default())
	// The TUN receive loop is the stack's one long-lived blocking task. It
	// exits when a TUN receive fails, including when the TUN closes. Once the
	// handlers' plugin set is dropped the loop keeps running, and each new
	// flow is closed with ErrNoOutbound.
	go func() {
		if err := stack.Serve(context.Background()); err != nil {
			slog.Error("ip stack stopped", "plugin", name, "err", err)
		}
	}()
	return nil
}
