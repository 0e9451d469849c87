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
	"testing"
	"weak"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// chainFactory provides <name>.tcp and optionally demands another .tcp AP,
// the minimal shape to exercise resolve + instantiate.
type chainFactory struct {
	name string
	next string // AP to depend on, "" for none

	gotNext *Handle
	nextW   weak.Pointer[Handle]
}

type chainParam struct {
	Next string `cbor:"next"`
}

func parseChain(name string, param []byte) (Factory, error) {
	var p chainParam
	if err := cbor.Unmarshal(param, &p); err != nil {
		return nil, err
	}
	return &chainFactory{name: name, next: p.Next}, nil
}

func (f *chainFactory) Requires() []Demand {
	if f.next == "" {
		return nil
	}
	return []Demand{{AP: f.next, Types: StreamOutboundFactoryKind}}
}

func (f *chainFactory) Provides() []Provide {
	return []Provide{{AP: f.name + ".tcp", Types: StreamOutboundFactoryKind}}
}

func (f *chainFactory) Load(name string, set *PartialSet) error {
	h := &Handle{Kind: StreamOutboundFactoryKind}
	set.Publish(name+".tcp", h)
	if f.next != "" {
		w, err := set.Weak(f.next)
		if err != nil {
			return err
		}
		f.nextW = w
		f.gotNext = w.Value()
	}
	return nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.Register("chain", 0, parseChain)
	return reg
}

func mustParam(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLoadSetLinearChain(t *testing.T) {
	reg := testRegistry(t)
	set := LoadSet(reg, []string{"a"}, []PersistedPlugin{
		{Name: "a", Type: "chain", Param: mustParam(t, chainParam{Next: "b.tcp"})},
		{Name: "b", Type: "chain", Param: mustParam(t, chainParam{})},
	})
	require.Empty(t, set.Errors)
	assert.NotNil(t, set.ByAP["a.tcp"])
	assert.NotNil(t, set.ByAP["b.tcp"])
	assert.NotNil(t, set.ByName["a"])
}

func TestLoadSetSelfReference(t *testing.T) {
	reg := testRegistry(t)
	set := LoadSet(reg, []string{"loop"}, []PersistedPlugin{
		{Name: "loop", Type: "chain", Param: mustParam(t, chainParam{Next: "loop.tcp"})},
	})
	require.Empty(t, set.Errors)
	h := set.ByAP["loop.tcp"]
	require.NotNil(t, h)
}

func TestLoadSetMutualCycle(t *testing.T) {
	reg := testRegistry(t)
	set := LoadSet(reg, []string{"x"}, []PersistedPlugin{
		{Name: "x", Type: "chain", Param: mustParam(t, chainParam{Next: "y.tcp"})},
		{Name: "y", Type: "chain", Param: mustParam(t, chainParam{Next: "x.tcp"})},
	})
	require.Empty(t, set.Errors)
	assert.NotNil(t, set.ByAP["x.tcp"])
	assert.NotNil(t, set.ByAP["y.tcp"])
}

func TestLoadSetMissingPlugin(t *testing.T) {
	reg := testRegistry(t)
	set := LoadSet(reg, []string{"a"}, []PersistedPlugin{
		{Name: "a", Type: "chain", Param: mustParam(t, chainParam{Next: "ghost.tcp"})},
	})
	require.NotEmpty(t, set.Errors)
	found := false
	for _, err := range set.Errors {
		var e *ytflowerr.E
		if assert.ErrorAs(t, err, &e) && e.Kind == ytflowerr.KindNoPlugin {
			found = true
		}
	}
	assert.True(t, found, "expected a NoPlugin error")
}

func TestLoadSetUnknownKindAndVersion(t *testing.T) {
	reg := testRegistry(t)
	set := LoadSet(reg, []string{"a", "b"}, []PersistedPlugin{
		{Name: "a", Type: "warp-drive", Param: mustParam(t, chainParam{})},
		{Name: "b", Type: "chain", Version: 3, Param: mustParam(t, chainParam{})},
	})
	require.Len(t, set.Errors, 2)
	for _, err := range set.Errors {
		var e *ytflowerr.E
		require.ErrorAs(t, err, &e)
		assert.Equal(t, ytflowerr.KindNoPluginType, e.Kind)
	}
}

func TestLoadSetBadAccessPointType(t *testing.T) {
	reg := testRegistry(t)
	reg.Register("wants-resolver", 0, func(name string, param []byte) (Factory, error) {
		return demandFactory{ap: "b.tcp", types: ResolverAPKind}, nil
	})
	set := LoadSet(reg, []string{"a"}, []PersistedPlugin{
		{Name: "a", Type: "wants-resolver"},
		{Name: "b", Type: "chain", Param: mustParam(t, chainParam{})},
	})
	require.NotEmpty(t, set.Errors)
	var e *ytflowerr.E
	require.ErrorAs(t, set.Errors[0], &e)
	assert.Equal(t, ytflowerr.KindBadAccessPointType, e.Kind)
}

type demandFactory struct {
	ap    string
	types APKind
}

func (f demandFactory) Requires() []Demand  { return []Demand{{AP: f.ap, Types: f.types}} }
func (f demandFactory) Provides() []Provide { return nil }
func (f demandFactory) Load(name string, set *PartialSet) error {
	_, err := set.Weak(f.ap)
	return err
}

func TestSatisfies(t *testing.T) {
	provided := StreamHandlerKind | StreamOutboundFactoryKind
	assert.True(t, provided.Satisfies(StreamHandlerKind))
	assert.True(t, provided.Satisfies(provided))
	assert.False(t, provided.Satisfies(ResolverAPKind))
	assert.False(t, StreamHandlerKind.Satisfies(provided))
}
