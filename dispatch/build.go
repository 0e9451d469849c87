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

package dispatch

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// BuildQuanXRuleSet compiles a Quantumult-X-dialect rule file into a
// RuleSet. Each non-blank, non-comment line is a comma-separated
// "TYPE,pattern,action[,no-resolve]" entry; unrecognized rule types are
// skipped rather than rejected, so a shared rule file with directives for
// other clients still loads. geoipPath may be
// empty, in which case GEOIP lines are parsed (to preserve their effect
// on first-resolving-rule tracking) but never match.
func BuildQuanXRuleSet(lines []string, actions map[string]ActionHandle, geoipPath string) (*RuleSet, error) {
	rs := &RuleSet{
		domainFull: newDomainTrie(),
		domainSub:  newDomainTrie(),
	}

	var geoipRules []geoipRule
	var cidr4, cidr6 []cidrRule

	id := RuleID(0)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		id++

		segs := splitTrim(line, ',')
		if len(segs) == 0 {
			continue
		}
		ruleType := strings.ToLower(segs[0])

		switch ruleType {
		case "host", "domain":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			rs.domainFull.insert(segs[1], ruleHandle{action: action, id: id})

		case "host-suffix", "domain-suffix":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			rs.domainSub.insert(segs[1], ruleHandle{action: action, id: id})

		case "host-keyword", "domain-keyword":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			rs.domainKeyword = append(rs.domainKeyword, keywordRule{
				keyword: strings.ToLower(segs[1]),
				handle:  ruleHandle{action: action, id: id},
			})

		case "domain-regex", "host-regex":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			re, err := regexp.Compile(segs[1])
			if err != nil {
				return nil, fmt.Errorf("dispatch: line %d: invalid regex %q: %w", id, segs[1], err)
			}
			rs.domainRegex = append(rs.domainRegex, regexRule{re: re, handle: ruleHandle{action: action, id: id}})

		case "ip-cidr":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			prefix, err := netip.ParsePrefix(segs[1])
			if err != nil || !prefix.Addr().Is4() {
				continue
			}
			h := ruleHandle{action: action, id: id}
			cidr4 = append(cidr4, cidrRule{prefix: prefix, handle: h})
			rs.noteResolving(segs, id)

		case "ip6-cidr", "ip-cidr6":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			prefix, err := netip.ParsePrefix(segs[1])
			if err != nil || !prefix.Addr().Is6() {
				continue
			}
			h := ruleHandle{action: action, id: id}
			cidr6 = append(cidr6, cidrRule{prefix: prefix, handle: h})
			rs.noteResolving(segs, id)

		case "geoip":
			if len(segs) < 3 {
				continue
			}
			action, ok := actions[segs[2]]
			if !ok {
				continue
			}
			geoipRules = append(geoipRules, geoipRule{code: segs[1], handle: ruleHandle{action: action, id: id}})
			rs.noteResolving(segs, id)

		case "final":
			if len(segs) < 2 {
				continue
			}
			action, ok := actions[segs[1]]
			if !ok {
				continue
			}
			h := ruleHandle{action: action, id: id}
			rs.final = &h
		}
	}

	sort.Slice(cidr4, func(i, j int) bool { return cidrLess(cidr4[i], cidr4[j]) })
	sort.Slice(cidr6, func(i, j int) bool { return cidrLess(cidr6[i], cidr6[j]) })
	rs.ipv4 = cidr4
	rs.ipv6 = cidr6

	if len(geoipRules) > 0 && geoipPath != "" {
		set, err := NewGeoIPSet(geoipPath, geoipRules)
		if err != nil {
			return nil, fmt.Errorf("dispatch: open geoip database: %w", err)
		}
		rs.geoip = set
	}

	return rs, nil
}

// noteResolving applies the rule: any IP/GeoIP rule without a
// trailing "no-resolve" segment lowers first_resolving_rule_id to the
// earliest such rule's ID.
func (rs *RuleSet) noteResolving(segs []string, id RuleID) {
	noResolve := len(segs) > 3 && strings.EqualFold(segs[3], "no-resolve")
	if noResolve {
		return
	}
	if rs.firstResolvingRuleID == nil || id < *rs.firstResolvingRuleID {
		v := id
		rs.firstResolvingRuleID = &v
	}
}

func cidrLess(a, b cidrRule) bool {
	fa, fb := a.prefix.Addr(), b.prefix.Addr()
	if c := fa.Compare(fb); c != 0 {
		return c < 0
	}
	la, lb := lastAddr(a.prefix), lastAddr(b.prefix)
	if c := la.Compare(lb); c != 0 {
		return c < 0
	}
	return a.handle.id < b.handle.id
}

func splitTrim(line string, sep byte) []string {
	parts := strings.Split(line, string(sep))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
