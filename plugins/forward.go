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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/forward"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("forward", 0, parseForward)
}

// Forward metrics are registered once per process and labelled by plugin
// name, so several forward plugins in one profile share the collectors.
var (
	forwardTCPConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ytflow_forward_tcp_connections",
		Help: "Live forwarded TCP connections.",
	}, []string{"plugin"})
	forwardUplink = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytflow_forward_uplink_bytes_total",
		Help: "Bytes forwarded from inbound to outbound.",
	}, []string{"plugin"})
	forwardDownlink = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytflow_forward_downlink_bytes_total",
		Help: "Bytes forwarded from outbound to inbound.",
	}, []string{"plugin"})
)

func init() {
	prometheus.MustRegister(forwardTCPConns, forwardUplink, forwardDownlink)
}

type forwardConfig struct {
	RequestTimeout uint32 `cbor:"request_timeout"` // milliseconds; 0 disables initial-data extraction
	TCPNext        string `cbor:"tcp_next"`
	UDPNext        string `cbor:"udp_next"`
}

type forwardFactory struct {
	name string
	cfg  forwardConfig
}

func parseForward(name string, param []byte) (plugin.Factory, error) {
	f := &forwardFactory{name: name}
	if err := plugin.DecodeParam(name, param, &f.cfg); err != nil {
		return nil, err
	}
	if err := plugin.RequireField(name, "tcp_next", f.cfg.TCPNext != ""); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *forwardFactory) Requires() []plugin.Demand {
	d := []plugin.Demand{{AP: f.cfg.TCPNext, Types: plugin.StreamOutboundFactoryKind}}
	if f.cfg.UDPNext != "" {
		d = append(d, plugin.Demand{AP: f.cfg.UDPNext, Types: plugin.DatagramSessionFactoryKind})
	}
	return d
}

func (f *forwardFactory) Provides() []plugin.Provide {
	p := []plugin.Provide{{AP: f.name + ".tcp", Types: plugin.StreamHandlerKind}}
	if f.cfg.UDPNext != "" {
		p = append(p, plugin.Provide{AP: f.name + ".udp", Types: plugin.DatagramSessionHandlerKind})
	}
	return p
}

func (f *forwardFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{Kind: plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind}
	set.Publish(name+".tcp", h)
	if f.cfg.UDPNext != "" {
		set.Publish(name+".udp", h)
	}

	fw := &forwardHandler{
		name:           name,
		requestTimeout: time.Duration(f.cfg.RequestTimeout) * time.Millisecond,
	}
	var err error
	if fw.tcpNext, err = requireTCPOutbound(set, f.cfg.TCPNext); err != nil {
		return err
	}
	if f.cfg.UDPNext != "" {
		if fw.udpNext, err = requireUDPFactory(set, f.cfg.UDPNext); err != nil {
			return err
		}
	}
	h.StreamHandler = fw
	h.DatagramSessionHandler = fw
	return nil
}

// forwardHandler consumes inbound flows and pumps them through the
// configured outbound factories.
type forwardHandler struct {
	name           string
	requestTimeout time.Duration
	tcpNext        flow.StreamOutboundFactory
	udpNext        flow.DatagramSessionFactory
}

func (f *forwardHandler) HandleStream(ctx context.Context, inbound flow.Stream, fc flow.Context) error {
	stats := forward.NewStatHandle(f.name, forwardTCPConns, forwardUplink, forwardDownlink)
	defer stats.Close()
	defer inbound.Close()
	err := forward.CopyStream(ctx, inbound, f.tcpNext, fc.RemotePeer, f.requestTimeout, stats)
	if err != nil {
		slog.Debug("stream forward finished", "plugin", f.name, "dst", fc.RemotePeer, "err", err)
	}
	return err
}

func (f *forwardHandler) HandleDatagramSession(ctx context.Context, inbound flow.DatagramSession, fc flow.Context) error {
	if f.udpNext == nil {
		inbound.Close()
		return flow.ErrNoOutbound
	}
	stats := forward.NewStatHandle(f.name, nil, forwardUplink, forwardDownlink)
	return forward.CopyDatagram(ctx, inbound, f.udpNext, fc, stats)
}
