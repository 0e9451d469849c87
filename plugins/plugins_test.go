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
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/plugin"
)

// The capture plugin records the FlowContext of everything that reaches
// it, standing in for a real terminal handler.
var (
	captureMu sync.Mutex
	captured  flow.Context
)

func init() {
	plugin.Default.Register("capture", 0, func(name string, param []byte) (plugin.Factory, error) {
		return captureTestFactory{name: name}, nil
	})
}

type captureTestFactory struct{ name string }

func (f captureTestFactory) Requires() []plugin.Demand { return nil }

func (f captureTestFactory) Provides() []plugin.Provide {
	return []plugin.Provide{
		{AP: f.name + ".tcp", Types: plugin.StreamHandlerKind},
		{AP: f.name + ".udp", Types: plugin.DatagramSessionHandlerKind},
	}
}

func (f captureTestFactory) Load(name string, set *plugin.PartialSet) error {
	h := &plugin.Handle{
		Kind:                   plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind,
		StreamHandler:          captureHandler{},
		DatagramSessionHandler: captureHandler{},
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)
	return nil
}

type captureHandler struct{}

func (captureHandler) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	captureMu.Lock()
	captured = fc
	captureMu.Unlock()
	return s.Close()
}

func (captureHandler) HandleDatagramSession(ctx context.Context, s flow.DatagramSession, fc flow.Context) error {
	captureMu.Lock()
	captured = fc
	captureMu.Unlock()
	return s.Close()
}

func param(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLoadProxyChainProfile(t *testing.T) {
	// forward -> shadowsocks-client -> socket, the smallest realistic
	// outbound chain a profile ships.
	set := plugin.LoadSet(plugin.Default, []string{"fwd"}, []plugin.PersistedPlugin{
		{Name: "fwd", Type: "forward", Param: param(t, map[string]any{
			"tcp_next": "ss.tcp",
		})},
		{Name: "ss", Type: "shadowsocks-client", Param: param(t, map[string]any{
			"method":   "aes-256-gcm",
			"password": []byte("pw"),
			"tcp_next": "out.tcp",
			"udp_next": "out.udp",
		})},
		{Name: "out", Type: "socket", Param: param(t, map[string]any{})},
	})
	require.Empty(t, set.Errors)

	h := set.ByAP["fwd.tcp"]
	require.NotNil(t, h)
	assert.NotNil(t, h.StreamHandler)

	ssHandle := set.ByAP["ss.tcp"]
	require.NotNil(t, ssHandle)
	assert.NotNil(t, ssHandle.OutboundFactory)
}

func TestSelfReferencingDispatcherLoads(t *testing.T) {
	rules := "host, direct.example, direct\nfinal, proxy\n"
	set := plugin.LoadSet(plugin.Default, []string{"dispatch"}, []plugin.PersistedPlugin{
		{Name: "dispatch", Type: "rule-dispatcher", Param: param(t, map[string]any{
			"source": map[string]any{"format": "quanx-filter", "text": rules},
			"actions": map[string]any{
				"direct": map[string]any{"tcp": "fwd.tcp"},
				// The proxy action loops back into the dispatcher itself.
				"proxy": map[string]any{"tcp": "dispatch.tcp"},
			},
			"fallback": map[string]any{"tcp": "fwd.tcp"},
		})},
		{Name: "fwd", Type: "forward", Param: param(t, map[string]any{
			"tcp_next": "out.tcp",
		})},
		{Name: "out", Type: "socket", Param: param(t, map[string]any{})},
	})
	require.Empty(t, set.Errors)
	h := set.ByAP["dispatch.tcp"]
	require.NotNil(t, h)
	assert.NotNil(t, h.StreamHandler)
	assert.NotNil(t, set.ByAP["dispatch.resolver"].Resolver)
}

func TestRejectPluginClosesFlow(t *testing.T) {
	set := plugin.LoadSet(plugin.Default, []string{"rej"}, []plugin.PersistedPlugin{
		{Name: "rej", Type: "reject"},
	})
	require.Empty(t, set.Errors)
	h := set.ByAP["rej.tcp"]
	require.NotNil(t, h)

	a, b := flow.Pipe()
	err := h.StreamHandler.HandleStream(context.Background(), a, flow.Context{})
	assert.ErrorIs(t, err, flow.ErrNoOutbound)
	buf := make([]byte, 1)
	_, rerr := b.Read(buf)
	assert.Error(t, rerr)
}

func TestRedirectRewritesDestination(t *testing.T) {
	set := plugin.LoadSet(plugin.Default, []string{"redir"}, []plugin.PersistedPlugin{
		{Name: "redir", Type: "redirect", Param: param(t, map[string]any{
			"dest":     map[string]any{"host": "override.example", "port": uint16(8443)},
			"tcp_next": "sink.tcp",
			"udp_next": "sink.udp",
		})},
		{Name: "sink", Type: "capture"},
	})
	require.Empty(t, set.Errors)

	captureMu.Lock()
	captured = flow.Context{}
	captureMu.Unlock()

	a, _ := flow.Pipe()
	h := set.ByAP["redir.tcp"]
	require.NotNil(t, h)
	err := h.StreamHandler.HandleStream(context.Background(), a, flow.Context{
		RemotePeer: flow.Destination{Host: flow.DomainHost("original.example"), Port: 80},
	})
	require.NoError(t, err)

	captureMu.Lock()
	defer captureMu.Unlock()
	assert.Equal(t, "override.example", captured.RemotePeer.Host.Domain())
	assert.Equal(t, uint16(8443), captured.RemotePeer.Port)
}

func TestUnknownPluginVersionRejected(t *testing.T) {
	set := plugin.LoadSet(plugin.Default, []string{"x"}, []plugin.PersistedPlugin{
		{Name: "x", Type: "reject", Version: 1},
	})
	require.NotEmpty(t, set.Errors)
}
