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

package plugin

import "github.com/ytflow/ytflowcore/flow"

// Handle is what a plugin publishes at one of its access points. Only the
// fields implied by Kind are meaningful; the others are left zero. A
// Handle is allocated and published (possibly still zero) before a
// plugin's dependencies are resolved, so that a dependent plugin —
// including the plugin itself, for self-referencing dispatchers — can
// obtain a stable pointer to it ahead of time; the fields are then filled
// in before Load returns. Never mutate a Handle's fields after your own
// Load call returns: every other plugin may already be holding a pointer
// or reading through it concurrently once the loader moves on.
type Handle struct {
	Kind APKind

	StreamHandler          flow.StreamHandler
	DatagramSessionHandler flow.DatagramSessionHandler
	OutboundFactory        flow.StreamOutboundFactory
	DatagramFactory        flow.DatagramSessionFactory
	Resolver               flow.Resolver
	Tun                    flow.Tun
	Netif                  any
}
