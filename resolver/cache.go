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

package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// cacheKey identifies one cached answer by lowercased qname and qtype.
type cacheKey struct {
	name  string
	qtype dnsmessage.Type
}

type cacheEntry struct {
	msg     *dnsmessage.Message
	expires time.Time
}

// Cache memoizes RoundTrip answers keyed by (qname, qtype). The stored TTL
// is the minimum answer TTL clamped to [MinTTL, MaxTTL]. Entries are
// evicted lazily on lookup and by a bounded sweep when the map grows past
// maxEntries.
type Cache struct {
	Upstream RoundTripper
	MinTTL   time.Duration
	MaxTTL   time.Duration

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry

	now func() time.Time // test hook
}

var _ RoundTripper = (*Cache)(nil)

const maxEntries = 4096

// NewCache wraps upstream with a TTL-clamped answer cache.
func NewCache(upstream RoundTripper, minTTL, maxTTL time.Duration) *Cache {
	return &Cache{
		Upstream: upstream,
		MinTTL:   minTTL,
		MaxTTL:   maxTTL,
		entries:  make(map[cacheKey]cacheEntry),
		now:      time.Now,
	}
}

func keyOf(q dnsmessage.Question) cacheKey {
	return cacheKey{name: strings.ToLower(q.Name.String()), qtype: q.Type}
}

// RoundTrip implements RoundTripper.
func (c *Cache) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	key := keyOf(q)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			c.mu.Unlock()
			return e.msg, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	msg, err := c.Upstream.RoundTrip(ctx, q)
	if err != nil {
		return nil, err
	}

	ttl := c.clampTTL(answerTTL(msg))
	if ttl > 0 {
		c.mu.Lock()
		if len(c.entries) >= maxEntries {
			c.sweepLocked(now)
		}
		c.entries[key] = cacheEntry{msg: msg, expires: now.Add(ttl)}
		c.mu.Unlock()
	}
	return msg, nil
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if c.MinTTL > 0 && ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// answerTTL returns the minimum TTL across answer records, or 0 for
// unanswerable/empty responses so they are not cached.
func answerTTL(msg *dnsmessage.Message) time.Duration {
	if len(msg.Answers) == 0 {
		return 0
	}
	min := msg.Answers[0].Header.TTL
	for _, a := range msg.Answers[1:] {
		if a.Header.TTL < min {
			min = a.Header.TTL
		}
	}
	return time.Duration(min) * time.Second
}

// sweepLocked removes expired entries; if nothing expired, it removes an
// arbitrary entry so insertion can proceed without unbounded growth.
func (c *Cache) sweepLocked(now time.Time) {
	removed := false
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed = true
		}
	}
	if !removed {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}
