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

// Package plugin implements the two-phase plugin set loader: parse every
// reachable plugin into a Factory recording its access
// point demands and provisions, then instantiate factories with
// cycle-safe weak references so plugins can reference each other —
// including themselves — to form a graph.
package plugin

import (
	"fmt"
	"sync"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// APKind is the access-point capability bitset.
type APKind uint16

const (
	StreamHandlerKind APKind = 1 << iota
	DatagramSessionHandlerKind
	StreamOutboundFactoryKind
	DatagramSessionFactoryKind
	ResolverAPKind
	TunAPKind
	NetifAPKind
)

// Satisfies reports whether provided is a superset of demanded, i.e. the
// provider offers every capability the consumer asked for.
func (provided APKind) Satisfies(demanded APKind) bool {
	return provided&demanded == demanded
}

// Discriminant identifies a registered plugin kind by (type name, version),
// mirroring the "tagged variant discriminated by (plugin,
// plugin_version)".
type Discriminant struct {
	Type    string
	Version uint16
}

// ParseFunc decodes a plugin's CBOR param blob into a Factory that has not
// yet resolved its dependencies.
type ParseFunc func(name string, param []byte) (Factory, error)

// Demand is one access point a factory's Load will read from the partial
// set, and the capability types it needs that AP to provide.
type Demand struct {
	AP    string
	Types APKind
}

// Provide is one access point a factory's Load will publish into the
// partial set, and the capability types it offers there.
type Provide struct {
	AP    string
	Types APKind
}

// Factory is a plugin whose param has been parsed but whose dependencies
// have not yet been wired. Requires/Provides are consulted during the
// resolve phase; Load is invoked during instantiation.
type Factory interface {
	Requires() []Demand
	Provides() []Provide
	// Load instantiates the plugin against set, publishing its handles for
	// every AP in Provides() before returning. set provides both already
	// finalized handles and weak handles for cyclic dependencies still
	// under construction.
	Load(name string, set *PartialSet) error
}

// Registry maps a (type, version) discriminant to the parser used to build
// that plugin kind's Factory. plugin_version other than 0 is rejected by
// Parse before consulting the registry; the registry
// itself stays open to add future versions.
type Registry struct {
	mu      sync.RWMutex
	parsers map[Discriminant]ParseFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[Discriminant]ParseFunc)}
}

// Register adds a parser for the given plugin kind and version. Calling
// Register twice for the same discriminant panics, the same init-time
// programmer-error contract cipher tables use for duplicate specs.
func (r *Registry) Register(kind string, version uint16, parse ParseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := Discriminant{Type: kind, Version: version}
	if _, exists := r.parsers[d]; exists {
		panic(fmt.Sprintf("plugin: duplicate registration for %s v%d", kind, version))
	}
	r.parsers[d] = parse
}

// Parse looks up and invokes the parser for (kind, version, name, param).
func (r *Registry) Parse(name, kind string, version uint16, param []byte) (Factory, error) {
	if version != 0 {
		return nil, ytflowerr.New(ytflowerr.KindNoPluginType, kind, fmt.Sprint(version))
	}
	r.mu.RLock()
	parse, ok := r.parsers[Discriminant{Type: kind, Version: version}]
	r.mu.RUnlock()
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindNoPluginType, kind, fmt.Sprint(version))
	}
	f, err := parse(name, param)
	if err != nil {
		return nil, ytflowerr.Wrap(ytflowerr.KindParseParam, err, name)
	}
	return f, nil
}

// Default is the process-wide registry misc plugins register themselves
// into via init().
var Default = NewRegistry()
