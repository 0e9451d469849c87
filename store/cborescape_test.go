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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

func TestEscapeUTF8Bytes(t *testing.T) {
	got := EscapeCBORBuf(map[any]any{"a": []any{int64(114514), []byte("bb")}})
	want := map[any]any{"a": []any{
		int64(114514),
		map[any]any{"__byte_repr": "utf8", "data": "bb"},
	}}
	assert.Equal(t, want, got)
}

func TestEscapeBinaryBytesBase64(t *testing.T) {
	got := EscapeCBORBuf(map[any]any{"a": []byte{0x80}})
	want := map[any]any{"a": map[any]any{"__byte_repr": "base64", "data": "gA=="}}
	assert.Equal(t, want, got)
}

func TestUnescapeRoundTrip(t *testing.T) {
	orig := map[any]any{
		"text":  "plain",
		"num":   int64(7),
		"bytes": []byte{0x00, 0xff, 0x80},
		"nested": []any{
			[]byte("utf8 ok"),
			map[any]any{"inner": []byte{0xde, 0xad}},
		},
	}
	escaped := EscapeCBORBuf(cloneValue(orig))
	back, err := UnescapeCBORBuf(escaped)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func TestUnescapeInvalidBase64(t *testing.T) {
	_, err := UnescapeCBORBuf(map[any]any{"__byte_repr": "base64", "data": "g?"})
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindInvalidByteRepr, e.Kind)
	assert.Equal(t, "base64", e.Fields[0])
}

func TestUnescapeUnknownRepr(t *testing.T) {
	_, err := UnescapeCBORBuf(map[any]any{"__byte_repr": "hex", "data": "00"})
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindUnknownByteRepr, e.Kind)
}

func TestUnescapeMissingData(t *testing.T) {
	_, err := UnescapeCBORBuf(map[any]any{"__byte_repr": "utf8"})
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindMissingData, e.Kind)
}

func TestUnescapeUnexpectedSibling(t *testing.T) {
	_, err := UnescapeCBORBuf(map[any]any{"__byte_repr": "utf8", "data": "x", "extra": "y"})
	var e *ytflowerr.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ytflowerr.KindUnexpectedByteReprKey, e.Kind)
}
