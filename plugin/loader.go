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

import (
	"strings"
	"sync"
	"weak"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// PersistedPlugin is the subset of a stored plugin row the loader needs:
// its name, kind, version, and raw CBOR param.
type PersistedPlugin struct {
	Name    string
	Type    string
	Version uint16
	Param   []byte
}

// PartialSet is the in-progress state of plugin instantiation: factories
// not yet loaded, and access points already published (possibly still
// under construction) by factories that have started loading. It
// implements both the "publish a handle early" and "read a dependency,
// recursively loading it if needed" halves of the cyclic
// shared construction.
type PartialSet struct {
	reg *Registry

	mu        sync.Mutex
	factories map[string]Factory // plugin name -> not-yet-loaded factory
	aps       map[string]*Handle // "<plugin>.<suffix>" -> published handle
	loading   map[string]bool
	loaded    map[string]bool
	errs      []error
}

// Publish registers h as the handle backing the given access point. Call
// this at the very start of Load, before resolving any dependency, so
// that a cyclic dependent (possibly the plugin itself) can obtain a
// pointer to h ahead of its fields being filled in.
func (s *PartialSet) Publish(ap string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aps[ap] = h
}

// pluginNameOf extracts the plugin name prefix of an access point string
// "<plugin>.<suffix>".
func pluginNameOf(ap string) string {
	if i := strings.LastIndexByte(ap, '.'); i >= 0 {
		return ap[:i]
	}
	return ap
}

// Strong resolves ap to its Handle, recursively loading the owning
// plugin's factory if it has not started yet. Use this only for reads
// that happen synchronously during the current Load call; the returned
// pointer's fields may not be final until the owning plugin's Load
// returns, so don't dereference fields immediately — store the pointer,
// or its weak equivalent from Weak, for use after loading completes.
func (s *PartialSet) Strong(ap string) (*Handle, error) {
	if err := s.ensureLoaded(pluginNameOf(ap)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	h, ok := s.aps[ap]
	s.mu.Unlock()
	if !ok {
		return nil, ytflowerr.New(ytflowerr.KindNoAccessPoint, ap)
	}
	return h, nil
}

// Weak is the same resolution as Strong, but returns a weak.Pointer. Every
// reference a plugin keeps to another plugin's handle across the lifetime
// of the engine (as opposed to a one-shot synchronous read during Load)
// must be obtained this way, so that dropping the owning PluginSet fully
// drops the graph instead of being kept alive by cross-plugin cycles.
func (s *PartialSet) Weak(ap string) (weak.Pointer[Handle], error) {
	h, err := s.Strong(ap)
	if err != nil {
		return weak.Pointer[Handle]{}, err
	}
	return weak.Make(h), nil
}

func (s *PartialSet) ensureLoaded(name string) error {
	s.mu.Lock()
	if s.loaded[name] || s.loading[name] {
		s.mu.Unlock()
		return nil
	}
	f, ok := s.factories[name]
	if !ok {
		s.mu.Unlock()
		return ytflowerr.New(ytflowerr.KindNoPlugin, name)
	}
	s.loading[name] = true
	s.mu.Unlock()

	err := f.Load(name, s)

	s.mu.Lock()
	delete(s.loading, name)
	if err != nil {
		s.errs = append(s.errs, ytflowerr.Wrap(ytflowerr.KindInvalidPlugin, err, name))
		s.mu.Unlock()
		return err
	}
	s.loaded[name] = true
	s.mu.Unlock()
	return nil
}

// Set is the fully instantiated result of LoadSet: a name-indexed and an
// AP-indexed strong map. It is the only thing keeping the plugin graph
// alive; dropping it (letting it become unreachable) is what lets every
// weak.Pointer a plugin stored for a peer resolve to nil, signalling
// background tasks to exit.
type Set struct {
	ByName map[string]*Handle // representative handle per plugin (first AP published)
	ByAP   map[string]*Handle
	Errors []error
}

// LoadSet runs both loader phases end to end: phase 1 parses every plugin
// reachable from entries (recording demands/provides and cross-checking
// AP types), phase 2 instantiates the entry plugins (which recursively
// instantiate their dependencies). Errors from either phase are collected,
// never fatal to the whole load: the returned Set contains whatever
// plugins built successfully.
func LoadSet(reg *Registry, entries []string, plugins []PersistedPlugin) *Set {
	byName := make(map[string]PersistedPlugin, len(plugins))
	for _, p := range plugins {
		byName[p.Name] = p
	}

	result := &Set{ByName: map[string]*Handle{}, ByAP: map[string]*Handle{}}
	factories := make(map[string]Factory)
	demanded := make(map[string]APKind) // AP -> union of demanded types
	provided := make(map[string]APKind) // AP -> provided types

	visited := make(map[string]bool)
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		p, ok := byName[name]
		if !ok {
			result.Errors = append(result.Errors, ytflowerr.New(ytflowerr.KindNoPlugin, name))
			continue
		}
		f, err := reg.Parse(p.Name, p.Type, p.Version, p.Param)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		factories[name] = f

		for _, pr := range f.Provides() {
			if need, ok := demanded[pr.AP]; ok && !pr.Types.Satisfies(need) {
				result.Errors = append(result.Errors, ytflowerr.New(ytflowerr.KindBadAccessPointType, pr.AP))
				continue
			}
			provided[pr.AP] = pr.Types
		}
		for _, d := range f.Requires() {
			if have, ok := provided[d.AP]; ok {
				if !have.Satisfies(d.Types) {
					result.Errors = append(result.Errors, ytflowerr.New(ytflowerr.KindBadAccessPointType, d.AP))
				}
				continue
			}
			demanded[d.AP] = demanded[d.AP] | d.Types
			queue = append(queue, pluginNameOf(d.AP))
		}
	}
	for ap := range demanded {
		if _, ok := provided[ap]; !ok {
			result.Errors = append(result.Errors, ytflowerr.New(ytflowerr.KindNoAccessPoint, ap))
		}
	}

	set := &PartialSet{
		reg:       reg,
		factories: factories,
		aps:       map[string]*Handle{},
		loading:   map[string]bool{},
		loaded:    map[string]bool{},
	}
	for _, name := range entries {
		if _, ok := factories[name]; !ok {
			continue
		}
		// Load failures are recorded in set.errs; keep going so one broken
		// entry does not take down the rest of the profile.
		set.ensureLoaded(name)
	}
	set.mu.Lock()
	for ap, h := range set.aps {
		result.ByAP[ap] = h
		if name := pluginNameOf(ap); result.ByName[name] == nil {
			result.ByName[name] = h
		}
	}
	result.Errors = append(result.Errors, set.errs...)
	set.mu.Unlock()

	return result
}
