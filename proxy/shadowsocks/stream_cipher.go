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

package shadowsocks

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
)

// streamWriter and streamReader implement the legacy (non-AEAD) cipher
// family: a random IV prefix, then a raw keystream XOR with no chunk
// framing; the family has no per-chunk overhead at all.
type streamWriter struct {
	w       io.Writer
	c       *Cipher
	ivSent  bool
	iv      []byte
	encrypt cipher.Stream
}

func newStreamWriter(w io.Writer, c *Cipher) (*streamWriter, error) {
	iv := make([]byte, c.SaltSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return &streamWriter{w: w, c: c, iv: iv}, nil
}

func (s *streamWriter) Write(buf []byte) (int, error) {
	if !s.ivSent {
		enc, err := s.c.NewStream(s.iv, true)
		if err != nil {
			return 0, err
		}
		s.encrypt = enc
		if _, err := s.w.Write(s.iv); err != nil {
			return 0, err
		}
		s.ivSent = true
	}
	out := make([]byte, len(buf))
	s.encrypt.XORKeyStream(out, buf)
	return s.w.Write(out)
}

type streamReader struct {
	r       io.Reader
	c       *Cipher
	decrypt cipher.Stream
}

func newStreamReader(r io.Reader, c *Cipher) *streamReader {
	return &streamReader{r: r, c: c}
}

func (s *streamReader) Read(buf []byte) (int, error) {
	if s.decrypt == nil {
		iv := make([]byte, s.c.SaltSize())
		if _, err := io.ReadFull(s.r, iv); err != nil {
			return 0, err
		}
		dec, err := s.c.NewStream(iv, false)
		if err != nil {
			return 0, err
		}
		s.decrypt = dec
	}
	n, err := s.r.Read(buf)
	if n > 0 {
		s.decrypt.XORKeyStream(buf[:n], buf[:n])
	}
	return n, err
}
