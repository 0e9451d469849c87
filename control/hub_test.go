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

package control

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	info     []byte
	hashcode uint32
	lastFn   string
	result   []byte
	err      error
}

func (f *fakeResponder) Info() ([]byte, uint32) { return f.info, f.hashcode }

func (f *fakeResponder) OnRequest(fn string, params []byte) ([]byte, error) {
	f.lastFn = fn
	return f.result, f.err
}

func roundTrip(t *testing.T, h *Hub, req request) response {
	t.Helper()
	msg, err := cbor.Marshal(&req)
	require.NoError(t, err)
	respBytes, err := h.Handle(msg)
	require.NoError(t, err)
	var resp response
	require.NoError(t, cbor.Unmarshal(respBytes, &resp))
	return resp
}

func TestCollectSkipsUnchangedHashcodes(t *testing.T) {
	h := NewHub()
	a := &fakeResponder{info: []byte{1}, hashcode: 10}
	b := &fakeResponder{info: []byte{2}, hashcode: 20}
	idA := h.Register("a", a)
	idB := h.Register("b", b)

	resp := roundTrip(t, h, request{CollectAllPluginInfo: &collectRequest{
		Hashcodes: map[uint32]uint32{},
	}})
	require.Len(t, resp.Plugins, 2)

	// Controller already has a's revision: only b comes back.
	resp = roundTrip(t, h, request{CollectAllPluginInfo: &collectRequest{
		Hashcodes: map[uint32]uint32{idA: 10, idB: 19},
	}})
	require.Len(t, resp.Plugins, 1)
	assert.Equal(t, idB, resp.Plugins[0].ID)
	assert.Equal(t, "b", resp.Plugins[0].Name)
	assert.Equal(t, uint32(20), resp.Plugins[0].Hashcode)
}

func TestSendRequestDispatchesByID(t *testing.T) {
	h := NewHub()
	r := &fakeResponder{result: []byte("ok")}
	id := h.Register("target", r)

	resp := roundTrip(t, h, request{SendRequestToPlugin: &sendRequest{
		ID: id, Func: "get_stats", Params: []byte{0xa0},
	}})
	assert.Empty(t, resp.Error)
	assert.Equal(t, []byte("ok"), resp.Result)
	assert.Equal(t, "get_stats", r.lastFn)
}

func TestSendRequestUnknownPlugin(t *testing.T) {
	h := NewHub()
	resp := roundTrip(t, h, request{SendRequestToPlugin: &sendRequest{ID: 99, Func: "x"}})
	assert.Contains(t, resp.Error, "NoSuchPlugin")
}

func TestSendRequestPluginError(t *testing.T) {
	h := NewHub()
	r := &fakeResponder{err: errors.New("not ready")}
	id := h.Register("target", r)
	resp := roundTrip(t, h, request{SendRequestToPlugin: &sendRequest{ID: id, Func: "x"}})
	assert.Equal(t, "not ready", resp.Error)
	assert.Empty(t, resp.Result)
}

func TestHandleRejectsOversizedRequest(t *testing.T) {
	h := NewHub()
	_, err := h.Handle(make([]byte, maxRequestSize+1))
	require.Error(t, err)
}
