// Copyright 2020 Jigsaw Operations LLC
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
	"encoding/binary"
	"fmt"
	"io"
)

// lengthMask clears the upper 2 bits of the AEAD chunk length field on
// decode.
const lengthMask = 0x3FFF

// aeadWriter seals an outgoing stream into length-prefixed AEAD chunks.
// The nonce is a little-endian counter the size of the AEAD's nonce (12
// bytes; 24 for XChaCha20) incremented twice per chunk: once after sealing
// the length, once after sealing the payload.
type aeadWriter struct {
	w     io.Writer
	aead  cipher.AEAD
	nonce []byte

	saltSent bool
	salt     []byte
	newAEAD  func(salt []byte) (cipher.AEAD, error)
}

func newAEADWriter(w io.Writer, c *Cipher) (*aeadWriter, error) {
	salt := make([]byte, c.SaltSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &aeadWriter{w: w, salt: salt, newAEAD: c.NewAEAD}, nil
}

func (a *aeadWriter) incrementNonce() {
	for i := range a.nonce {
		a.nonce[i]++
		if a.nonce[i] != 0 {
			break
		}
	}
}

// Write seals buf into one or more MaxChunkSize chunks, emitting the
// random salt ahead of the first chunk.
func (a *aeadWriter) Write(buf []byte) (int, error) {
	if !a.saltSent {
		aead, err := a.newAEAD(a.salt)
		if err != nil {
			return 0, err
		}
		a.aead = aead
		a.nonce = make([]byte, aead.NonceSize())
		if _, err := a.w.Write(a.salt); err != nil {
			return 0, err
		}
		a.saltSent = true
	}
	total := 0
	for len(buf) > 0 {
		n := len(buf)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		if err := a.writeChunk(buf[:n]); err != nil {
			return total, err
		}
		buf = buf[n:]
		total += n
	}
	return total, nil
}

func (a *aeadWriter) writeChunk(payload []byte) error {
	tag := a.aead.Overhead()
	out := make([]byte, 0, 2+tag+len(payload)+tag)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	out = a.aead.Seal(out, a.nonce[:], lenBuf[:], nil)
	a.incrementNonce()

	out = a.aead.Seal(out, a.nonce[:], payload, nil)
	a.incrementNonce()

	_, err := a.w.Write(out)
	return err
}

// aeadReader unseals an incoming AEAD chunk stream, consuming the leading
// salt on the first read.
type aeadReader struct {
	r       io.Reader
	newAEAD func(salt []byte) (cipher.AEAD, error)
	saltLen int

	aead    cipher.AEAD
	nonce   []byte
	pending []byte // decrypted bytes not yet returned to the caller
}

func newAEADReader(r io.Reader, c *Cipher) *aeadReader {
	return &aeadReader{r: r, newAEAD: c.NewAEAD, saltLen: c.SaltSize()}
}

func (a *aeadReader) incrementNonce() {
	for i := range a.nonce {
		a.nonce[i]++
		if a.nonce[i] != 0 {
			break
		}
	}
}

func (a *aeadReader) ensureAEAD() error {
	if a.aead != nil {
		return nil
	}
	salt := make([]byte, a.saltLen)
	if _, err := io.ReadFull(a.r, salt); err != nil {
		return err
	}
	aead, err := a.newAEAD(salt)
	if err != nil {
		return err
	}
	a.aead = aead
	a.nonce = make([]byte, aead.NonceSize())
	return nil
}

func (a *aeadReader) readChunk() ([]byte, error) {
	tag := a.aead.Overhead()
	lenCipher := make([]byte, 2+tag)
	if _, err := io.ReadFull(a.r, lenCipher); err != nil {
		return nil, err
	}
	lenPlain, err := a.aead.Open(lenCipher[:0], a.nonce[:], lenCipher, nil)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: invalid chunk length tag: %w", err)
	}
	a.incrementNonce()

	size := int(binary.BigEndian.Uint16(lenPlain)) & lengthMask
	payloadCipher := make([]byte, size+tag)
	if _, err := io.ReadFull(a.r, payloadCipher); err != nil {
		return nil, err
	}
	payload, err := a.aead.Open(payloadCipher[:0], a.nonce[:], payloadCipher, nil)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: invalid chunk payload tag: %w", err)
	}
	a.incrementNonce()
	return payload, nil
}

func (a *aeadReader) Read(buf []byte) (int, error) {
	if len(a.pending) == 0 {
		if err := a.ensureAEAD(); err != nil {
			return 0, err
		}
		chunk, err := a.readChunk()
		if err != nil {
			return 0, err
		}
		a.pending = chunk
	}
	n := copy(buf, a.pending)
	a.pending = a.pending[n:]
	return n, nil
}
