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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestRuleSet(t *testing.T) *RuleSet {
	actions := map[string]ActionHandle{
		"PROXY":  {Name: "proxy"},
		"DIRECT": {Name: "direct"},
		"REJECT": {Name: "reject"},
	}
	lines := []string{
		"# comment",
		"HOST,example.com,PROXY",
		"HOST-SUFFIX,cn,DIRECT",
		"HOST-KEYWORD,ads,REJECT",
		"IP-CIDR,10.0.0.0/8,DIRECT,no-resolve",
		"IP-CIDR,1.2.3.0/24,PROXY",
		"FINAL,PROXY",
	}
	rs, err := BuildQuanXRuleSet(lines, actions, "")
	require.NoError(t, err)
	return rs
}

func TestRuleSetDomainFull(t *testing.T) {
	rs := buildTestRuleSet(t)
	action, ok := rs.Match(nil, nil, strPtr("example.com"))
	require.True(t, ok)
	require.Equal(t, "proxy", action.Name)
}

func TestRuleSetDomainSuffixRequiresLabelBoundary(t *testing.T) {
	rs := buildTestRuleSet(t)
	action, ok := rs.Match(nil, nil, strPtr("baidu.cn"))
	require.True(t, ok)
	require.Equal(t, "direct", action.Name)

	// "xcn" does not end with the label "cn", so the suffix rule must not
	// fire; only the FINAL rule should apply.
	action, ok = rs.Match(nil, nil, strPtr("foo.xcn"))
	require.True(t, ok)
	require.Equal(t, "proxy", action.Name)
}

func TestRuleSetKeyword(t *testing.T) {
	rs := buildTestRuleSet(t)
	action, ok := rs.Match(nil, nil, strPtr("ads.example.org"))
	require.True(t, ok)
	require.Equal(t, "reject", action.Name)
}

func TestRuleSetCIDR(t *testing.T) {
	rs := buildTestRuleSet(t)
	ip := netip.MustParseAddr("10.1.2.3")
	action, ok := rs.Match(&ip, nil, nil)
	require.True(t, ok)
	require.Equal(t, "direct", action.Name)

	ip2 := netip.MustParseAddr("1.2.3.4")
	action, ok = rs.Match(&ip2, nil, nil)
	require.True(t, ok)
	require.Equal(t, "proxy", action.Name)
}

func TestRuleSetShouldResolve(t *testing.T) {
	rs := buildTestRuleSet(t)
	// example.com matches the HOST rule, which is declared before the
	// first IP rule that needs resolution; the decision is final without
	// an IP.
	require.False(t, rs.ShouldResolve("example.com"))

	// A domain with no matching rule at all resolves whenever any
	// resolution-requiring rule exists.
	require.True(t, rs.ShouldResolve("unmatched.example"))
}

func strPtr(s string) *string { return &s }
