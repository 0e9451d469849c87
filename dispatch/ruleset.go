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

// Package dispatch implements the rule-based outbound dispatcher: a
// RuleSet compiled once from a Quantumult-X-dialect rule file matches a
// destination against domain, CIDR and GeoIP rules and yields the
// ActionHandle of the highest-priority (lowest RuleID) match.
package dispatch

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// RuleID orders rules by declaration order in the source rule file; lower
// values win when more than one rule matches the same destination.
type RuleID uint32

// ActionHandle names the outbound/plugin a matching rule dispatches to.
// The dispatcher treats it as an opaque token; callers attach meaning.
type ActionHandle struct {
	Name string
}

type ruleHandle struct {
	action ActionHandle
	id     RuleID
}

func aggregateRules(candidates ...(*ruleHandle)) *ruleHandle {
	var best *ruleHandle
	for _, h := range candidates {
		if h == nil {
			continue
		}
		if best == nil || h.id < best.id {
			best = h
		}
	}
	return best
}

type cidrRule struct {
	prefix netip.Prefix
	handle ruleHandle
}

// RuleSet is the compiled, immutable form of a rule file: ready to match
// destinations without re-parsing or re-sorting.
type RuleSet struct {
	domainFull    *domainTrie
	domainSub     *domainTrie
	domainKeyword []keywordRule
	domainRegex   []regexRule

	geoip *GeoIPSet

	ipv4 []cidrRule // sorted by prefix, first address ascending
	ipv6 []cidrRule

	final                *ruleHandle
	firstResolvingRuleID *RuleID
}

type keywordRule struct {
	keyword string
	handle  ruleHandle
}

type regexRule struct {
	re     *regexp.Regexp
	handle ruleHandle
}

// ShouldResolve reports whether a destination domain must be resolved to
// an IP before matching: true iff no domain rule
// matches it outright and some IP-based rule exists that needs resolution,
// or the matching domain rule's ID falls at or after the first rule that
// required resolution.
func (rs *RuleSet) ShouldResolve(domain string) bool {
	if rs.firstResolvingRuleID == nil {
		return false
	}
	m := rs.matchDomain(domain)
	if m == nil {
		return true
	}
	return m.id >= *rs.firstResolvingRuleID
}

// Match aggregates the IPv4/IPv6 CIDR, GeoIP and domain matchers and
// returns the lowest-RuleID winner; the FINAL catch-all acts as the last
// candidate.
func (rs *RuleSet) Match(dstIPv4 *netip.Addr, dstIPv6 *netip.Addr, dstDomain *string) (ActionHandle, bool) {
	var domainRes *ruleHandle
	if dstDomain != nil {
		domainRes = rs.matchDomain(*dstDomain)
	}
	var v4Res, v6Res *ruleHandle
	if dstIPv4 != nil {
		v4Res = rs.matchCIDR(rs.ipv4, *dstIPv4)
		if geo := rs.matchGeoIP(*dstIPv4); geo != nil {
			v4Res = aggregateRules(v4Res, geo)
		}
	}
	if dstIPv6 != nil {
		v6Res = rs.matchCIDR(rs.ipv6, *dstIPv6)
		if geo := rs.matchGeoIP(*dstIPv6); geo != nil {
			v6Res = aggregateRules(v6Res, geo)
		}
	}
	final := aggregateRules(v4Res, v6Res, domainRes, rs.final)
	if final == nil {
		return ActionHandle{}, false
	}
	return final.action, true
}

func (rs *RuleSet) matchCIDR(set []cidrRule, ip netip.Addr) *ruleHandle {
	idx := sort.Search(len(set), func(i int) bool {
		return lastAddr(set[i].prefix).Compare(ip) >= 0
	})
	if idx >= len(set) {
		return nil
	}
	if !set[idx].prefix.Contains(ip) {
		return nil
	}
	h := set[idx].handle
	return &h
}

func (rs *RuleSet) matchGeoIP(ip netip.Addr) *ruleHandle {
	if rs.geoip == nil {
		return nil
	}
	return rs.geoip.Query(ip)
}

func (rs *RuleSet) matchDomain(domain string) *ruleHandle {
	domain = trimTrailingDot(domain)
	var full, sub, keyword, regex *ruleHandle
	if rs.domainFull != nil {
		full = rs.domainFull.matchFull(domain)
	}
	if rs.domainSub != nil {
		sub = rs.domainSub.matchSuffix(domain)
	}
	for _, kr := range rs.domainKeyword {
		if strings.Contains(domain, kr.keyword) {
			keyword = aggregateRules(keyword, &kr.handle)
		}
	}
	for _, rr := range rs.domainRegex {
		if rr.re.MatchString(domain) {
			h := rr.handle
			regex = aggregateRules(regex, &h)
		}
	}
	return aggregateRules(full, sub, keyword, regex)
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

func lastAddr(p netip.Prefix) netip.Addr {
	// netip.Prefix has no direct "last address" accessor; compute it by
	// OR-ing in the host bits.
	addr := p.Addr()
	bits := addr.BitLen()
	ones := p.Bits()
	b := addr.AsSlice()
	for i := ones; i < bits; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		b[byteIdx] |= 1 << bitIdx
	}
	last, _ := netip.AddrFromSlice(b)
	return last
}
