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

package flow

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader yields its data a few bytes per Read, exercising the
// refill loop.
type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReaderPeekThenAdvance(t *testing.T) {
	r := NewReader(&chunkedReader{data: []byte("hello world"), chunk: 3}, 4)

	got, err := PeekAtLeast(r, 5, func(window []byte) (string, error) {
		require.GreaterOrEqual(t, len(window), 5)
		return string(window[:5]), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	// The peek did not consume; a second peek sees the same bytes.
	got, err = PeekAtLeast(r, 6, func(window []byte) (string, error) {
		return string(window[:5]), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	r.Advance(6)
	got, err = ReadExact(r, 5, func(window []byte) (string, error) {
		return string(window), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "world", got)
}

func TestReaderReadExactConsumes(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4}), 2)
	first, err := ReadExact(r, 2, func(w []byte) ([]byte, error) {
		return append([]byte(nil), w...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, first)

	second, err := ReadExact(r, 2, func(w []byte) ([]byte, error) {
		return append([]byte(nil), w...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, second)

	_, err = ReadExact(r, 1, func(w []byte) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderIntoBuffer(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("abcdef")), 16)
	_, err := PeekAtLeast(r, 6, func(w []byte) (any, error) { return nil, nil })
	require.NoError(t, err)
	r.Advance(2)
	assert.Equal(t, []byte("cdef"), r.IntoBuffer())
}
