// Copyright 2019 Jigsaw Operations LLC
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
	"io"
	"net"
)

// Stream is a reliable, ordered, half-closable byte channel: net.Conn
// plus the CloseRead/CloseWrite split. Reads may continue after the write
// side is closed, and vice versa.
//
// EOF is returned only from Read; a broken write surfaces as a plain *net.OpError
// or io.ErrClosedPipe-derived error, never io.EOF, matching the "write side
// may not observe EOF" rule.
type Stream interface {
	net.Conn

	// CloseRead closes the read side. No further Read calls should be made;
	// implementations may still accept writes.
	CloseRead() error
	// CloseWrite half-closes the write side, signalling EOF/FIN downstream.
	// Reads may continue.
	CloseWrite() error
}

// SizeHinter is optionally implemented by a Stream to report how many
// bytes are likely to be available on the next Read, letting callers
// preallocate. Streams that can't estimate simply don't implement it.
type SizeHinter interface {
	SizeHint() SizeHint
}

// duplexStream lets callers swap the Reader/Writer of a Stream while
// keeping its Close machinery. Codecs use this to layer encryption or
// framing over a raw transport without re-implementing Close semantics.
type duplexStream struct {
	Stream
	r io.Reader
	w io.Writer
}

var _ Stream = (*duplexStream)(nil)

// WrapStream returns a Stream that reads from r and writes to w, but
// delegates Close/CloseRead/CloseWrite/deadlines to base.
func WrapStream(base Stream, r io.Reader, w io.Writer) Stream {
	if d, ok := base.(*duplexStream); ok {
		base = d.Stream
	}
	return &duplexStream{Stream: base, r: r, w: w}
}

func (d *duplexStream) Read(b []byte) (int, error)  { return d.r.Read(b) }
func (d *duplexStream) Write(b []byte) (int, error) { return d.w.Write(b) }

func (d *duplexStream) SizeHint() SizeHint {
	if sh, ok := d.r.(SizeHinter); ok {
		return sh.SizeHint()
	}
	return UnknownSize
}
