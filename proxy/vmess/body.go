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

package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

func sha256Sum16(b []byte) [16]byte {
	sum := sha256.Sum256(b)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// chachaKeyFromMD5 derives the 32-byte ChaCha20-Poly1305 key VMess uses
// from a 16-byte data key: MD5(key) || MD5(MD5(key))
func chachaKeyFromMD5(key []byte) []byte {
	h1 := md5.Sum(key)
	h2 := md5.Sum(h1[:])
	out := make([]byte, 32)
	copy(out[:16], h1[:])
	copy(out[16:], h2[:])
	return out
}

func newBodyAEAD(sec Security, key []byte) (cipher.AEAD, error) {
	switch sec {
	case SecurityAES128GCM:
		blk, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(blk)
	case SecurityChaCha20Poly1305:
		return chacha20poly1305.New(chachaKeyFromMD5(key))
	default:
		return nil, fmt.Errorf("vmess: unsupported data body security %d", sec)
	}
}

// bodyWriter seals the outbound data body into AEAD chunks: a 2-byte
// big-endian size prefix, then payload+tag. The nonce is the connection's
// data_iv with its first two bytes replaced by a monotonically increasing
// 16-bit counter. A closing zero-length chunk signals
// EOF on Close.
type bodyWriter struct {
	w     io.Writer
	aead  cipher.AEAD
	nonce []byte
	count uint16
}

func newBodyWriter(w io.Writer, sec Security, key, iv []byte) (*bodyWriter, error) {
	aead, err := newBodyAEAD(sec, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	copy(nonce, iv[:12])
	return &bodyWriter{w: w, aead: aead, nonce: nonce}, nil
}

func (b *bodyWriter) sealChunk(payload []byte) ([]byte, error) {
	binary.BigEndian.PutUint16(b.nonce[:2], b.count)
	b.count++
	sealed := b.aead.Seal(nil, b.nonce, payload, nil)
	out := make([]byte, 2+len(sealed))
	binary.BigEndian.PutUint16(out, uint16(len(sealed)))
	copy(out[2:], sealed)
	return out, nil
}

const maxBodyChunk = 0x3FFF

func (b *bodyWriter) Write(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		n := len(buf)
		if n > maxBodyChunk {
			n = maxBodyChunk
		}
		chunk, err := b.sealChunk(buf[:n])
		if err != nil {
			return total, err
		}
		if _, err := b.w.Write(chunk); err != nil {
			return total, err
		}
		buf = buf[n:]
		total += n
	}
	return total, nil
}

// Close emits the zero-length closing chunk.
func (b *bodyWriter) Close() error {
	chunk, err := b.sealChunk(nil)
	if err != nil {
		return err
	}
	_, err = b.w.Write(chunk)
	return err
}

// bodyReader unseals the inbound data body, yielding io.EOF on the
// closing zero-length chunk.
type bodyReader struct {
	r       io.Reader
	aead    cipher.AEAD
	nonce   []byte
	count   uint16
	pending []byte
	eof     bool
}

func newBodyReader(r io.Reader, sec Security, key, iv []byte) (*bodyReader, error) {
	aead, err := newBodyAEAD(sec, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	copy(nonce, iv[:12])
	return &bodyReader{r: r, aead: aead, nonce: nonce}, nil
}

func (b *bodyReader) readChunk() ([]byte, error) {
	var sizeBuf [2]byte
	if _, err := io.ReadFull(b.r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(sizeBuf[:]))
	sealed := make([]byte, size)
	if _, err := io.ReadFull(b.r, sealed); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(b.nonce[:2], b.count)
	b.count++
	if size <= b.aead.Overhead() {
		if size == b.aead.Overhead() {
			// Zero-length plaintext chunk: verify the tag, then signal EOF.
			if _, err := b.aead.Open(nil, b.nonce, sealed, nil); err != nil {
				return nil, fmt.Errorf("vmess: closing chunk tag invalid: %w", err)
			}
			return nil, io.EOF
		}
		return nil, fmt.Errorf("vmess: chunk shorter than AEAD tag")
	}
	plain, err := b.aead.Open(nil, b.nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vmess: chunk tag invalid: %w", err)
	}
	return plain, nil
}

func (b *bodyReader) Read(buf []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	if len(b.pending) == 0 {
		chunk, err := b.readChunk()
		if err == io.EOF {
			b.eof = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		b.pending = chunk
	}
	n := copy(buf, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}
