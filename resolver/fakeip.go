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
	"encoding/binary"
	"net"
	"strings"
	"sync"

	"github.com/ytflow/ytflowcore/flow"
)

// FakeIP hands out placeholder addresses for domain names so TUN-captured
// connections can later be re-associated with the name they were resolved
// from. IPv4 allocations walk a /16; IPv6 allocations walk a /32 under the
// configured prefix. The same domain always maps to the same fake address,
// and the reverse map answers Lookup until the pool wraps.
type FakeIP struct {
	prefixV4 [2]byte // the /16 the v4 pool lives in
	prefixV6 [4]byte // the /32 the v6 pool lives in

	mu      sync.Mutex
	nextV4  uint16
	nextV6  uint32
	forward map[string]allocation
	reverse map[[16]byte]string
}

type allocation struct {
	v4 net.IP
	v6 net.IP
}

var _ flow.Resolver = (*FakeIP)(nil)

// NewFakeIP builds an allocator whose v4 pool is prefixV4 (a /16, e.g.
// 198.18.0.0) and whose v6 pool is prefixV6 (a /32).
func NewFakeIP(prefixV4 net.IP, prefixV6 net.IP) *FakeIP {
	f := &FakeIP{
		forward: make(map[string]allocation),
		reverse: make(map[[16]byte]string),
		nextV4:  1, // skip .0.0
		nextV6:  1,
	}
	if p4 := prefixV4.To4(); p4 != nil {
		copy(f.prefixV4[:], p4[:2])
	} else {
		f.prefixV4 = [2]byte{198, 18}
	}
	if p6 := prefixV6.To16(); p6 != nil && prefixV6.To4() == nil {
		copy(f.prefixV6[:], p6[:4])
	} else {
		f.prefixV6 = [4]byte{0xfd, 0x00, 0x46, 0x49}
	}
	return f
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func (f *FakeIP) allocate(name string) allocation {
	name = canonical(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.forward[name]; ok {
		return a
	}

	v4 := make(net.IP, 4)
	v4[0], v4[1] = f.prefixV4[0], f.prefixV4[1]
	binary.BigEndian.PutUint16(v4[2:], f.nextV4)
	f.nextV4++
	if f.nextV4 == 0 {
		f.nextV4 = 1
	}

	v6 := make(net.IP, 16)
	copy(v6, f.prefixV6[:])
	binary.BigEndian.PutUint32(v6[12:], f.nextV6)
	f.nextV6++
	if f.nextV6 == 0 {
		f.nextV6 = 1
	}

	a := allocation{v4: v4, v6: v6}
	f.forward[name] = a
	f.reverse[ipKey(v4)] = name
	f.reverse[ipKey(v6)] = name
	return a
}

func ipKey(ip net.IP) [16]byte {
	var k [16]byte
	copy(k[:], ip.To16())
	return k
}

// ResolveIPv4 implements flow.Resolver by allocating (or reusing) a fake
// v4 address for name.
func (f *FakeIP) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	return []net.IP{f.allocate(name).v4}, nil
}

// ResolveIPv6 implements flow.Resolver.
func (f *FakeIP) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	return []net.IP{f.allocate(name).v6}, nil
}

// Lookup reverse-maps a previously allocated fake address back to its
// domain name.
func (f *FakeIP) Lookup(ip net.IP) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.reverse[ipKey(ip)]
	return name, ok
}

// Contains reports whether ip falls inside either fake pool, without
// consulting the allocation maps.
func (f *FakeIP) Contains(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return v4[0] == f.prefixV4[0] && v4[1] == f.prefixV4[1]
	}
	v6 := ip.To16()
	if v6 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if v6[i] != f.prefixV6[i] {
			return false
		}
	}
	return true
}
