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
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"
)

// GeoIPSet matches an IP address against an MMDB country database, per
// the GEOIP rule type.
type GeoIPSet struct {
	reader      *maxminddb.Reader
	isoCodeRule map[string]ruleHandle
}

type geoIPCountryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewGeoIPSet opens an MMDB file (typically GeoLite2-Country.mmdb) and
// pairs it with the iso_code -> rule mapping the rule file's GEOIP lines
// declared, keeping the lowest-RuleID handle for any code declared twice.
func NewGeoIPSet(path string, rules []geoipRule) (*GeoIPSet, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]ruleHandle, len(rules))
	for _, r := range rules {
		code := strings.ToUpper(r.code)
		if existing, ok := byCode[code]; !ok || r.handle.id < existing.id {
			byCode[code] = r.handle
		}
	}
	return &GeoIPSet{reader: reader, isoCodeRule: byCode}, nil
}

type geoipRule struct {
	code   string
	handle ruleHandle
}

// Query looks up ip's country and returns the matching rule, if the rule
// file declared one for that ISO code.
func (g *GeoIPSet) Query(ip netip.Addr) *ruleHandle {
	var rec geoIPCountryRecord
	result := g.reader.Lookup(ip)
	if err := result.Decode(&rec); err != nil {
		return nil
	}
	if rec.Country.ISOCode == "" {
		return nil
	}
	h, ok := g.isoCodeRule[strings.ToUpper(rec.Country.ISOCode)]
	if !ok {
		return nil
	}
	return &h
}

// Close releases the underlying MMDB file mapping.
func (g *GeoIPSet) Close() error { return g.reader.Close() }
