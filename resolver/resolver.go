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
	"fmt"
	"net"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/ytflow/ytflowcore/flow"
)

// HostResolver answers ResolveIPv4/ResolveIPv6 by querying a RoundTripper
// (usually an UpstreamPool, usually wrapped in a Cache) and extracting the
// A/AAAA records from the answer section. Concurrency toward the upstream
// is bounded by a semaphore channel.
type HostResolver struct {
	rt  RoundTripper
	sem chan struct{}
}

var _ flow.Resolver = (*HostResolver)(nil)

// NewHostResolver builds a HostResolver over rt with at most maxConcurrent
// in-flight upstream transactions.
func NewHostResolver(rt RoundTripper, maxConcurrent int) *HostResolver {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &HostResolver{rt: rt, sem: make(chan struct{}, maxConcurrent)}
}

func (r *HostResolver) query(ctx context.Context, name string, qtype dnsmessage.Type) (*dnsmessage.Message, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	q, err := NewQuestion(fqdn(name), qtype)
	if err != nil {
		return nil, err
	}
	return r.rt.RoundTrip(ctx, *q)
}

// ResolveIPv4 implements flow.Resolver.
func (r *HostResolver) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	msg, err := r.query(ctx, name, dnsmessage.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, ans := range msg.Answers {
		if a, ok := ans.Body.(*dnsmessage.AResource); ok {
			ips = append(ips, net.IP(append([]byte(nil), a.A[:]...)))
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no A records for %q", name)
	}
	return ips, nil
}

// ResolveIPv6 implements flow.Resolver.
func (r *HostResolver) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	msg, err := r.query(ctx, name, dnsmessage.TypeAAAA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, ans := range msg.Answers {
		if a, ok := ans.Body.(*dnsmessage.AAAAResource); ok {
			ips = append(ips, net.IP(append([]byte(nil), a.AAAA[:]...)))
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no AAAA records for %q", name)
	}
	return ips, nil
}

func fqdn(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// NetResolver adapts the operating system's resolver to flow.Resolver, the
// fallback used when a profile configures no upstream servers.
type NetResolver struct {
	R *net.Resolver
}

var _ flow.Resolver = (*NetResolver)(nil)

func (n *NetResolver) resolver() *net.Resolver {
	if n.R != nil {
		return n.R
	}
	return net.DefaultResolver
}

// ResolveIPv4 implements flow.Resolver.
func (n *NetResolver) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	return n.lookup(ctx, "ip4", name)
}

// ResolveIPv6 implements flow.Resolver.
func (n *NetResolver) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	return n.lookup(ctx, "ip6", name)
}

func (n *NetResolver) lookup(ctx context.Context, network, name string) ([]net.IP, error) {
	addrs, err := n.resolver().LookupIP(ctx, network, name)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// WithTimeout wraps rt, bounding every transaction by d.
func WithTimeout(rt RoundTripper, d time.Duration) RoundTripper {
	return FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return rt.RoundTrip(ctx, q)
	})
}
