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
	"github.com/ytflow/ytflowcore/control"
	"github.com/ytflow/ytflowcore/plugin"
)

func init() {
	plugin.Default.Register("control-hub", 0, parseControlHub)
}

// controlHubFactory exposes a control.Hub as stream and datagram access
// points, so a profile can point a socket-listener at it and drive the
// engine over RPC.
type controlHubFactory struct{ name string }

func parseControlHub(name string, param []byte) (plugin.Factory, error) {
	return &controlHubFactory{name: name}, nil
}

func (f *controlHubFactory) Requires() []plugin.Demand { return nil }

func (f *controlHubFactory) Provides() []plugin.Provide {
	return []plugin.Provide{{
		AP:    f.name + ".tcp",
		Types: plugin.StreamHandlerKind,
	}, {
		AP:    f.name + ".udp",
		Types: plugin.DatagramSessionHandlerKind,
	}}
}

func (f *controlHubFactory) Load(name string, set *plugin.PartialSet) error {
	hub := control.NewHub()
	h := &plugin.Handle{
		Kind:                   plugin.StreamHandlerKind | plugin.DatagramSessionHandlerKind,
		StreamHandler:          hub,
		DatagramSessionHandler: hub,
	}
	set.Publish(name+".tcp", h)
	set.Publish(name+".udp", h)
	return nil
}
