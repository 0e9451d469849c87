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

// Package control implements the request/response service that lets an
// external controller inspect and poke plugins at runtime: collect
// changed plugin info by hashcode, and dispatch plugin-specific requests
// by function name.
package control

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// maxRequestSize rejects requests larger than 4 MiB before decoding.
const maxRequestSize = 4 << 20

// Responder is the optional RPC surface a plugin exposes to the hub.
// Hashcode must change whenever Info would; the controller uses it to
// skip unchanged plugins.
type Responder interface {
	// Info returns the plugin's current observable state as CBOR, plus the
	// hashcode identifying this revision of it.
	Info() (data []byte, hashcode uint32)
	// OnRequest handles one plugin-specific request. The returned bytes
	// are opaque CBOR handed back to the controller.
	OnRequest(fn string, params []byte) ([]byte, error)
}

// registration ties a responder to its stable id and display name.
type registration struct {
	id   uint32
	name string
	r    Responder
}

// Hub routes control requests to registered plugin responders. Requests
// are independent: an error answering one does not terminate the session.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint32
	plugins map[uint32]*registration
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{plugins: make(map[uint32]*registration)}
}

// Register adds a responder under a fresh id and returns the id.
func (h *Hub) Register(name string, r Responder) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.plugins[id] = &registration{id: id, name: name, r: r}
	return id
}

// Unregister removes a responder.
func (h *Hub) Unregister(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.plugins, id)
}

// request is the wire shape of one control request: exactly one of the
// fields is set.
type request struct {
	CollectAllPluginInfo *collectRequest `cbor:"CollectAllPluginInfo,omitempty"`
	SendRequestToPlugin  *sendRequest    `cbor:"SendRequestToPlugin,omitempty"`
}

type collectRequest struct {
	Hashcodes map[uint32]uint32 `cbor:"hashcodes"`
}

type sendRequest struct {
	ID     uint32 `cbor:"id"`
	Func   string `cbor:"func"`
	Params []byte `cbor:"params"`
}

// PluginInfo is one entry of a CollectAllPluginInfo response.
type PluginInfo struct {
	ID       uint32 `cbor:"id"`
	Name     string `cbor:"name"`
	Hashcode uint32 `cbor:"hashcode"`
	Info     []byte `cbor:"info"`
}

type response struct {
	Plugins []PluginInfo `cbor:"plugins,omitempty"`
	Result  []byte       `cbor:"result,omitempty"`
	Error   string       `cbor:"error,omitempty"`
}

// Handle decodes one request message and returns the encoded response.
func (h *Hub) Handle(msg []byte) ([]byte, error) {
	if len(msg) > maxRequestSize {
		return nil, fmt.Errorf("control: request of %d bytes exceeds limit", len(msg))
	}
	var req request
	if err := cbor.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("control: decode request: %w", err)
	}

	var resp response
	switch {
	case req.CollectAllPluginInfo != nil:
		resp.Plugins = h.collect(req.CollectAllPluginInfo.Hashcodes)
	case req.SendRequestToPlugin != nil:
		r := req.SendRequestToPlugin
		result, err := h.dispatch(r.ID, r.Func, r.Params)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	default:
		resp.Error = "unknown request"
	}
	return cbor.Marshal(&resp)
}

// collect returns info for every plugin whose hashcode differs from the
// controller's known value; unchanged plugins are omitted.
func (h *Hub) collect(known map[uint32]uint32) []PluginInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PluginInfo, 0, len(h.plugins))
	for id, reg := range h.plugins {
		data, hashcode := reg.r.Info()
		if have, ok := known[id]; ok && have == hashcode {
			continue
		}
		out = append(out, PluginInfo{ID: id, Name: reg.name, Hashcode: hashcode, Info: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) dispatch(id uint32, fn string, params []byte) ([]byte, error) {
	h.mu.RLock()
	reg, ok := h.plugins[id]
	h.mu.RUnlock()
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindNoSuchPlugin, fmt.Sprint(id))
	}
	return reg.r.OnRequest(fn, params)
}

// ServeStream answers length-prefixed requests on a stream until EOF or a
// framing error. The frame is a 4-byte big-endian length followed by the
// CBOR body.
func (h *Hub) ServeStream(ctx context.Context, s flow.Stream) error {
	defer s.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(s, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxRequestSize {
			return fmt.Errorf("control: request of %d bytes exceeds limit", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(s, body); err != nil {
			return err
		}
		resp, err := h.Handle(body)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(resp)))
		if _, err := s.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := s.Write(resp); err != nil {
			return err
		}
	}
}

// ServeDatagram answers one-request-per-datagram sessions.
func (h *Hub) ServeDatagram(ctx context.Context, sess flow.DatagramSession) error {
	defer sess.Close()
	for {
		from, payload, err := sess.RecvFrom(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp, err := h.Handle(payload)
		if err != nil {
			continue // malformed datagrams are dropped, not fatal
		}
		if err := sess.SendTo(ctx, from, resp); err != nil {
			return err
		}
	}
}

// HandleStream and HandleDatagramSession let the hub be published as a
// plugin access point directly.
func (h *Hub) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	return h.ServeStream(ctx, s)
}

func (h *Hub) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	return h.ServeDatagram(ctx, s)
}

var (
	_ flow.StreamHandler          = (*Hub)(nil)
	_ flow.DatagramSessionHandler = (*Hub)(nil)
)
