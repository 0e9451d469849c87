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

// Package store defines the persistence boundary of the engine core: the
// row shapes and query interfaces the engine consumes, plus the pure data
// transforms over persisted documents (DynOutbound proxy graphs, TOML
// profiles, share links, subscriptions, CBOR byte escaping). The concrete
// database lives outside the core; only these interfaces cross the line.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProfileID, PluginID, ProxyID and ProxyGroupID are database row ids.
type (
	ProfileID    uint32
	PluginID     uint32
	ProxyID      uint32
	ProxyGroupID uint32
)

// Profile is one stored profile row. PermanentID survives renames and
// re-imports; its text form is 32 lowercase hex characters.
type Profile struct {
	ID          ProfileID
	Name        string
	Locale      string
	PermanentID [16]byte
	CreatedAt   time.Time
}

// Plugin is one stored plugin row. Param holds the kind-specific CBOR
// document; Version must be 0.
type Plugin struct {
	ID        PluginID
	Name      string
	Desc      string
	Plugin    string
	Version   uint16
	Param     []byte
	UpdatedAt time.Time
}

// ProxyRow is one stored proxy: an opaque DynOutbound document plus
// ordering metadata within its group.
type ProxyRow struct {
	ID       ProxyID
	GroupID  ProxyGroupID
	Name     string
	OrderNum int32
	Proxy    []byte
	Version  uint16
	UpdatedAt time.Time
}

// ProxyGroup is an ordered, named collection of proxies.
type ProxyGroup struct {
	ID   ProxyGroupID
	Name string
	Type string
}

// ProfileStore is the profile/plugin query surface the loader needs.
type ProfileStore interface {
	Profiles(ctx context.Context) ([]Profile, error)
	Plugins(ctx context.Context, profile ProfileID) ([]Plugin, error)
	EntryPlugins(ctx context.Context, profile ProfileID) ([]Plugin, error)
}

// ProxyStore is the proxy/group query surface.
type ProxyStore interface {
	Groups(ctx context.Context) ([]ProxyGroup, error)
	Proxies(ctx context.Context, group ProxyGroupID) ([]ProxyRow, error)
	// Reorder moves the proxy by a signed delta within its group's
	// order_num sequence.
	Reorder(ctx context.Context, proxy ProxyID, delta int32) error
}

// Resource is one stored external resource (GeoIP database, rule list),
// fetched by key.
type Resource struct {
	ID         uint32
	Key        string
	Type       string
	LocalFile  string
	RemoteType string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ResourceStore resolves resource keys to local files.
type ResourceStore interface {
	ResourceByKey(ctx context.Context, key string) (Resource, error)
}

// NewPermanentID allocates a fresh random profile permanent id.
func NewPermanentID() [16]byte {
	return uuid.New()
}
