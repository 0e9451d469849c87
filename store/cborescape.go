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
	"encoding/base64"
	"unicode/utf8"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// EscapeCBORBuf rewrites every bytes leaf of a decoded CBOR value into a
// text-representable map {__byte_repr: "utf8"|"base64", data: <string>},
// so the value can round-trip through formats without a native byte type
// (TOML, JSON editors). The transform walks arrays and maps recursively
// and leaves every other leaf untouched.
func EscapeCBORBuf(val any) any {
	switch v := val.(type) {
	case []byte:
		if utf8.Valid(v) {
			return map[any]any{"__byte_repr": "utf8", "data": string(v)}
		}
		return map[any]any{"__byte_repr": "base64", "data": base64.StdEncoding.EncodeToString(v)}
	case []any:
		for i := range v {
			v[i] = EscapeCBORBuf(v[i])
		}
		return v
	case map[any]any:
		out := make(map[any]any, len(v))
		for k, e := range v {
			out[EscapeCBORBuf(k)] = EscapeCBORBuf(e)
		}
		return out
	case map[string]any:
		for k, e := range v {
			v[k] = EscapeCBORBuf(e)
		}
		return v
	default:
		return val
	}
}

// UnescapeCBORBuf is the inverse of EscapeCBORBuf: any map carrying a
// __byte_repr key collapses back into a bytes leaf. A map that combines
// __byte_repr with any other key besides data is malformed.
func UnescapeCBORBuf(val any) (any, error) {
	switch v := val.(type) {
	case []any:
		for i := range v {
			e, err := UnescapeCBORBuf(v[i])
			if err != nil {
				return nil, err
			}
			v[i] = e
		}
		return v, nil
	case map[any]any:
		return unescapeMap(v)
	case map[string]any:
		generic := make(map[any]any, len(v))
		for k, e := range v {
			generic[k] = e
		}
		return UnescapeCBORBuf(generic)
	default:
		return val, nil
	}
}

func unescapeMap(m map[any]any) (any, error) {
	var byteRepr, data *string
	var unexpected *string
	for k, e := range m {
		ks, kIsText := k.(string)
		es, eIsText := e.(string)
		if !kIsText {
			empty := ""
			unexpected = &empty
			continue
		}
		if kIsText && eIsText {
			switch ks {
			case "__byte_repr":
				s := es
				byteRepr = &s
				continue
			case "data":
				s := es
				data = &s
				continue
			}
		}
		k := ks
		unexpected = &k
	}

	if byteRepr != nil && unexpected != nil {
		return nil, ytflowerr.New(ytflowerr.KindUnexpectedByteReprKey, *unexpected)
	}
	switch {
	case byteRepr == nil:
		for k, e := range m {
			u, err := UnescapeCBORBuf(e)
			if err != nil {
				return nil, err
			}
			m[k] = u
		}
		return m, nil
	case *byteRepr == "utf8":
		if data == nil {
			return nil, ytflowerr.New(ytflowerr.KindMissingData)
		}
		return []byte(*data), nil
	case *byteRepr == "base64":
		if data == nil {
			return nil, ytflowerr.New(ytflowerr.KindMissingData)
		}
		raw, err := base64.StdEncoding.DecodeString(*data)
		if err != nil {
			return nil, ytflowerr.New(ytflowerr.KindInvalidByteRepr, "base64")
		}
		return raw, nil
	default:
		return nil, ytflowerr.New(ytflowerr.KindUnknownByteRepr, *byteRepr)
	}
}
