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

package ipstack

import (
	"fmt"
	"sync"

	"github.com/songgao/water"

	"github.com/ytflow/ytflowcore/flow"
)

const tunMTUSlack = 40 + 65535

// WaterTun adapts a water TUN interface to flow.Tun, pooling receive and
// transmit buffers so the per-packet hot path allocates nothing.
type WaterTun struct {
	ifce *water.Interface

	rxPool sync.Pool
	txPool sync.Pool
}

var _ flow.Tun = (*WaterTun)(nil)

// OpenTun creates (or attaches to) a TUN interface by name; an empty name
// lets the OS pick one.
func OpenTun(name string) (*WaterTun, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("ipstack: open tun: %w", err)
	}
	return NewWaterTun(ifce), nil
}

// NewWaterTun wraps an already-open water interface.
func NewWaterTun(ifce *water.Interface) *WaterTun {
	t := &WaterTun{ifce: ifce}
	t.rxPool.New = func() any { return make([]byte, tunMTUSlack) }
	t.txPool.New = func() any { return make([]byte, tunMTUSlack) }
	return t
}

// Name returns the OS interface name, needed to program addresses/routes.
func (t *WaterTun) Name() string { return t.ifce.Name() }

// Recv implements flow.Tun.
func (t *WaterTun) Recv() ([]byte, error) {
	buf := t.rxPool.Get().([]byte)
	n, err := t.ifce.Read(buf[:cap(buf)])
	if err != nil {
		t.rxPool.Put(buf)
		return nil, err
	}
	return buf[:n], nil
}

// ReturnRecvBuffer implements flow.Tun.
func (t *WaterTun) ReturnRecvBuffer(buf []byte) {
	t.rxPool.Put(buf[:cap(buf)])
}

// GetTxBuffer implements flow.Tun.
func (t *WaterTun) GetTxBuffer(n int) (flow.TxToken, bool) {
	buf := t.txPool.Get().([]byte)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	return flow.TxToken{Data: buf[:cap(buf)]}, true
}

// Send implements flow.Tun, consuming the token.
func (t *WaterTun) Send(tok flow.TxToken, length int) error {
	_, err := t.ifce.Write(tok.Data[:length])
	t.txPool.Put(tok.Data[:cap(tok.Data)])
	return err
}

// ReturnTxBuffer implements flow.Tun.
func (t *WaterTun) ReturnTxBuffer(tok flow.TxToken) {
	t.txPool.Put(tok.Data[:cap(tok.Data)])
}

// Close shuts the interface down; a blocked Recv returns with an error.
func (t *WaterTun) Close() error { return t.ifce.Close() }
