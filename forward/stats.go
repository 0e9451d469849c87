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

// Package forward implements the bidirectional stream and datagram copy
// loops: half-close, initial-data extraction, and byte
// counters, shared by every plugin that bridges two Stream/DatagramSession
// endpoints (chiefly the Forward misc plugin).
package forward

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// StatHandle tracks uplink/downlink byte counts and live TCP connection
// count for one flow.
// Counters are plain atomics for the hot path; the optional Prometheus
// counters let a control-plane exporter aggregate across flows the way
// the Forward plugin's RPC surface needs to.
type StatHandle struct {
	uplink   atomic.Uint64
	downlink atomic.Uint64

	tcpConnections *prometheus.GaugeVec
	uplinkTotal    *prometheus.CounterVec
	downlinkTotal  *prometheus.CounterVec
	label          string
}

// NewStatHandle creates a StatHandle. prometheus registrations are
// optional; pass nils to track only the in-process atomic counters.
func NewStatHandle(label string, conns *prometheus.GaugeVec, up, down *prometheus.CounterVec) *StatHandle {
	h := &StatHandle{tcpConnections: conns, uplinkTotal: up, downlinkTotal: down, label: label}
	if conns != nil {
		conns.WithLabelValues(label).Inc()
	}
	return h
}

// AddUplink records n bytes sent toward the outbound.
func (h *StatHandle) AddUplink(n int) {
	h.uplink.Add(uint64(n))
	if h.uplinkTotal != nil {
		h.uplinkTotal.WithLabelValues(h.label).Add(float64(n))
	}
}

// AddDownlink records n bytes received from the outbound.
func (h *StatHandle) AddDownlink(n int) {
	h.downlink.Add(uint64(n))
	if h.downlinkTotal != nil {
		h.downlinkTotal.WithLabelValues(h.label).Add(float64(n))
	}
}

// Uplink and Downlink report the running totals.
func (h *StatHandle) Uplink() uint64   { return h.uplink.Load() }
func (h *StatHandle) Downlink() uint64 { return h.downlink.Load() }

// Close decrements the TCP-connection gauge. Call exactly once, on flow
// teardown, regardless of whether the flow ended in success or error.
func (h *StatHandle) Close() {
	if h.tcpConnections != nil {
		h.tcpConnections.WithLabelValues(h.label).Dec()
	}
}
