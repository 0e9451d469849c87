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

package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// ParsedTomlProfile is the result of importing a TOML profile document:
// the profile header plus its plugins, entry plugins marked.
type ParsedTomlProfile struct {
	Name         string
	Locale       string
	PermanentID  [16]byte
	CreatedAt    time.Time
	EntryPlugins []string
	Plugins      []Plugin
}

const tomlTimeLayout = "2006-01-02T15:04:05"

// tomlNullSentinel stands in for CBOR null inside TOML, which has no null
// of its own.
var tomlNullSentinel = map[string]any{"__toml_repr": "null"}

// ExportTomlProfile renders a profile and its plugins as a TOML document.
// Plugin params (CBOR) are embedded as escaped TOML value trees; a
// plugin's desc is written as a comment immediately above its table so
// the importer can round it back into the row.
func ExportTomlProfile(p *ParsedTomlProfile) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("version = 1\n\n[profile]\n")
	fmt.Fprintf(&buf, "name = %s\n", tomlString(p.Name))
	fmt.Fprintf(&buf, "permanent_id = %s\n", tomlString(hex.EncodeToString(p.PermanentID[:])))
	fmt.Fprintf(&buf, "locale = %s\n", tomlString(p.Locale))
	fmt.Fprintf(&buf, "created_at = %s\n", p.CreatedAt.UTC().Format(tomlTimeLayout))
	entries := make([]string, len(p.EntryPlugins))
	for i, e := range p.EntryPlugins {
		entries[i] = tomlString(e)
	}
	fmt.Fprintf(&buf, "entry_plugins = [%s]\n", strings.Join(entries, ", "))

	for i := range p.Plugins {
		pl := &p.Plugins[i]
		buf.WriteString("\n")
		for _, line := range strings.Split(pl.Desc, "\n") {
			if line != "" || pl.Desc != "" {
				fmt.Fprintf(&buf, "# %s\n", line)
			}
		}
		fmt.Fprintf(&buf, "[plugins.%s]\n", tomlKey(pl.Name))
		fmt.Fprintf(&buf, "plugin = %s\n", tomlString(pl.Plugin))
		fmt.Fprintf(&buf, "plugin_version = %d\n", pl.Version)

		var paramVal any
		if err := cbor.Unmarshal(pl.Param, &paramVal); err != nil {
			return nil, ytflowerr.Wrap(ytflowerr.KindInvalidEncoding, err, pl.Name)
		}
		escaped := tomlifyNulls(EscapeCBORBuf(paramVal))
		param, err := tomlValue(escaped)
		if err != nil {
			return nil, ytflowerr.Wrap(ytflowerr.KindInvalidEncoding, err, pl.Name)
		}
		fmt.Fprintf(&buf, "param = %s\n", param)
		fmt.Fprintf(&buf, "updated_at = %s\n", pl.UpdatedAt.UTC().Format(tomlTimeLayout))
	}
	return buf.Bytes(), nil
}

// tomlifyNulls replaces nil leaves with the {__toml_repr = "null"}
// sentinel, recursively.
func tomlifyNulls(v any) any {
	switch t := v.(type) {
	case nil:
		return tomlNullSentinel
	case []any:
		for i := range t {
			t[i] = tomlifyNulls(t[i])
		}
		return t
	case map[any]any:
		for k, e := range t {
			t[k] = tomlifyNulls(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = tomlifyNulls(e)
		}
		return t
	default:
		return v
	}
}

func tomlKey(k string) string {
	for _, r := range k {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return tomlString(k)
		}
	}
	if k == "" {
		return `""`
	}
	return k
}

func tomlString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// tomlValue renders a Go value tree as an inline TOML value. Map keys are
// emitted sorted so exports are deterministic.
func tomlValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return tomlString(t), nil
	case bool:
		return fmt.Sprint(t), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), nil
	case float32, float64:
		return fmt.Sprint(t), nil
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			p, err := tomlValue(e)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		return tomlInlineTable(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return "", fmt.Errorf("store: non-text key %v in param map", k)
			}
			m[ks] = e
		}
		return tomlInlineTable(m)
	default:
		return "", fmt.Errorf("store: cannot render %T as TOML", v)
	}
}

func tomlInlineTable(m map[string]any) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, err := tomlValue(m[k])
		if err != nil {
			return "", err
		}
		parts[i] = fmt.Sprintf("%s = %s", tomlKey(k), v)
	}
	return "{ " + strings.Join(parts, ", ") + " }", nil
}

// tomlProfileDoc is the decoded shape of a profile TOML document.
type tomlProfileDoc struct {
	Version int `toml:"version"`
	Profile struct {
		Name         string         `toml:"name"`
		PermanentID  string         `toml:"permanent_id"`
		Locale       string         `toml:"locale"`
		CreatedAt    toml.Primitive `toml:"created_at"`
		EntryPlugins []string       `toml:"entry_plugins"`
	} `toml:"profile"`
	Plugins map[string]tomlPluginDoc `toml:"plugins"`
}

type tomlPluginDoc struct {
	Plugin    string         `toml:"plugin"`
	Version   uint16         `toml:"plugin_version"`
	Param     any            `toml:"param"`
	UpdatedAt toml.Primitive `toml:"updated_at"`
}

// ImportTomlProfile parses a TOML profile document, reconstructing each
// plugin's CBOR param from the escaped value tree and each plugin's desc
// from the comment block immediately above its table.
func ImportTomlProfile(doc []byte) (*ParsedTomlProfile, error) {
	var parsed tomlProfileDoc
	md, err := toml.Decode(string(doc), &parsed)
	if err != nil {
		return nil, ytflowerr.Wrap(ytflowerr.KindInvalidData, err, "profile", "toml")
	}
	if parsed.Version != 1 {
		return nil, ytflowerr.New(ytflowerr.KindUnknownVersion, fmt.Sprint(parsed.Version))
	}

	out := &ParsedTomlProfile{
		Name:         parsed.Profile.Name,
		Locale:       parsed.Profile.Locale,
		EntryPlugins: parsed.Profile.EntryPlugins,
	}
	id, err := hex.DecodeString(parsed.Profile.PermanentID)
	if err != nil || len(id) != 16 {
		return nil, ytflowerr.New(ytflowerr.KindInvalidData, "profile", "permanent_id")
	}
	copy(out.PermanentID[:], id)
	if out.CreatedAt, err = decodeTomlTime(md, parsed.Profile.CreatedAt); err != nil {
		return nil, ytflowerr.New(ytflowerr.KindInvalidData, "profile", "created_at")
	}

	descs := pluginDescComments(string(doc))
	names := make([]string, 0, len(parsed.Plugins))
	for name := range parsed.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pd := parsed.Plugins[name]
		unescaped, err := UnescapeCBORBuf(untomlifyNulls(pd.Param))
		if err != nil {
			return nil, err
		}
		param, err := dynEncMode.Marshal(normalizeParam(unescaped))
		if err != nil {
			return nil, ytflowerr.Wrap(ytflowerr.KindInvalidEncoding, err, name)
		}
		updatedAt, err := decodeTomlTime(md, pd.UpdatedAt)
		if err != nil {
			updatedAt = time.Time{}
		}
		out.Plugins = append(out.Plugins, Plugin{
			Name:      name,
			Desc:      descs[name],
			Plugin:    pd.Plugin,
			Version:   pd.Version,
			Param:     param,
			UpdatedAt: updatedAt,
		})
	}
	return out, nil
}

func decodeTomlTime(md toml.MetaData, prim toml.Primitive) (time.Time, error) {
	var t time.Time
	if err := md.PrimitiveDecode(prim, &t); err == nil {
		return t, nil
	}
	var s string
	if err := md.PrimitiveDecode(prim, &s); err != nil {
		return time.Time{}, err
	}
	return time.Parse(tomlTimeLayout, s)
}

// untomlifyNulls converts {__toml_repr = "null"} sentinels back to nil.
func untomlifyNulls(v any) any {
	switch t := v.(type) {
	case []any:
		for i := range t {
			t[i] = untomlifyNulls(t[i])
		}
		return t
	case map[string]any:
		if len(t) == 1 {
			if repr, ok := t["__toml_repr"].(string); ok && repr == "null" {
				return nil
			}
		}
		for k, e := range t {
			t[k] = untomlifyNulls(e)
		}
		return t
	default:
		return v
	}
}

// normalizeParam converts map[any]any trees into map[string]any where all
// keys are text, so CBOR encoding is canonical.
func normalizeParam(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeParam(e)
			}
		}
		return out
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeParam(e)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeParam(t[i])
		}
		return t
	default:
		return v
	}
}

// pluginDescComments scans the raw document for comment blocks directly
// above [plugins.<name>] headers.
func pluginDescComments(doc string) map[string]string {
	descs := map[string]string{}
	var comment []string
	for _, raw := range strings.Split(doc, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#"):
			comment = append(comment, strings.TrimPrefix(strings.TrimPrefix(line, "#"), " "))
		case strings.HasPrefix(line, "[plugins.") && strings.HasSuffix(line, "]"):
			name := strings.TrimSuffix(strings.TrimPrefix(line, "[plugins."), "]")
			name = strings.Trim(name, `"`)
			if len(comment) > 0 {
				descs[name] = strings.Join(comment, "\n")
			}
			comment = nil
		case line == "":
			comment = nil
		default:
			comment = nil
		}
	}
	return descs
}
