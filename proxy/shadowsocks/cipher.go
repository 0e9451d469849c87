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

// Package shadowsocks implements the Shadowsocks stream and AEAD codecs:
// key derivation, per-chunk nonce handling, and the stream wrapper that
// splits size/tag framing from payload.
package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"github.com/aead/camellia"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxChunkSize is the largest plaintext payload sealed into a single AEAD
// chunk (MAX_CHUNK).
const MaxChunkSize = 0x3FFF

// aeadSpec describes one AEAD cipher: name, constructor, key/salt/tag
// sizes. Salt size equals key size for every supported AEAD.
type aeadSpec struct {
	name     string
	newAEAD  func(key []byte) (cipher.AEAD, error)
	keySize  int
	saltSize int
}

var supportedAEADs = [...]aeadSpec{
	{"aes-128-gcm", newAESGCM, 16, 16},
	{"aes-192-gcm", newAESGCM, 24, 24},
	{"aes-256-gcm", newAESGCM, 32, 32},
	{"chacha20-ietf-poly1305", chacha20poly1305.New, chacha20poly1305.KeySize, 32},
	{"xchacha20-ietf-poly1305", chacha20poly1305.NewX, chacha20poly1305.KeySize, 32},
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

func findAEAD(name string) (*aeadSpec, bool) {
	name = strings.ToLower(name)
	for i := range supportedAEADs {
		if supportedAEADs[i].name == name {
			return &supportedAEADs[i], true
		}
	}
	return nil, false
}

// streamSpec describes one legacy stream cipher: name, key/IV sizes, and a
// constructor for a cipher.Stream in either encrypt or decrypt direction.
type streamSpec struct {
	name      string
	keySize   int
	ivSize    int
	newStream func(key, iv []byte, encrypt bool) (cipher.Stream, error)
}

var supportedStreams = [...]streamSpec{
	{"aes-128-cfb", 16, aes.BlockSize, newAESCFB},
	{"aes-192-cfb", 24, aes.BlockSize, newAESCFB},
	{"aes-256-cfb", 32, aes.BlockSize, newAESCFB},
	{"aes-128-ctr", 16, aes.BlockSize, newAESCTR},
	{"aes-192-ctr", 24, aes.BlockSize, newAESCTR},
	{"aes-256-ctr", 32, aes.BlockSize, newAESCTR},
	{"camellia-128-cfb", 16, camellia.BlockSize, newCamelliaCFB},
	{"camellia-192-cfb", 24, camellia.BlockSize, newCamelliaCFB},
	{"camellia-256-cfb", 32, camellia.BlockSize, newCamelliaCFB},
	{"rc4", 16, 0, newRC4},
	{"rc4-md5", 16, 16, newRC4MD5},
	{"chacha20-ietf", chacha20.KeySize, chacha20.NonceSize, newChacha20Ietf},
}

func newAESCFB(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(blk, iv), nil
	}
	return cipher.NewCFBDecrypter(blk, iv), nil
}

func newAESCTR(key, iv []byte, _ bool) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(blk, iv), nil
}

func newCamelliaCFB(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	blk, err := camellia.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(blk, iv), nil
	}
	return cipher.NewCFBDecrypter(blk, iv), nil
}

// newRC4 keys RC4 directly off the master key; the cipher has no IV.
func newRC4(key, _ []byte, _ bool) (cipher.Stream, error) {
	return rc4.NewCipher(key)
}

// newRC4MD5 derives the per-connection RC4 key as MD5(masterKey || iv),
// the classic Shadowsocks rc4-md5 construction.
func newRC4MD5(key, iv []byte, _ bool) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	sessionKey := h.Sum(nil)
	return rc4.NewCipher(sessionKey)
}

func newChacha20Ietf(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

func findStream(name string) (*streamSpec, bool) {
	name = strings.ToLower(name)
	for i := range supportedStreams {
		if supportedStreams[i].name == name {
			return &supportedStreams[i], true
		}
	}
	return nil, false
}

// Cipher wraps either an AEAD or a legacy stream cipher spec plus the
// derived master key.
type Cipher struct {
	aead   *aeadSpec
	stream *streamSpec
	secret []byte
}

// IsAEAD reports whether this Cipher is an AEAD cipher (true) or a legacy
// stream cipher (false).
func (c *Cipher) IsAEAD() bool { return c.aead != nil }

// SaltSize / IVSize return the per-connection nonce prefix size, picking
// the field that applies to this cipher's family.
func (c *Cipher) SaltSize() int {
	if c.aead != nil {
		return c.aead.saltSize
	}
	return c.stream.ivSize
}

var subkeyInfo = []byte("ss-subkey")

// NewAEAD derives the per-connection AEAD instance from salt via
// HKDF-SHA1 with the "ss-subkey" info string.
func (c *Cipher) NewAEAD(salt []byte) (cipher.AEAD, error) {
	if c.aead == nil {
		return nil, fmt.Errorf("shadowsocks: cipher is not AEAD")
	}
	sessionKey := make([]byte, c.aead.keySize)
	r := hkdf.New(sha1.New, c.secret, salt, subkeyInfo)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return nil, err
	}
	return c.aead.newAEAD(sessionKey)
}

// NewStream builds the legacy stream cipher.Stream keyed directly off the
// master key (EVP_BytesToKey-derived) and the random per-connection IV.
func (c *Cipher) NewStream(iv []byte, encrypt bool) (cipher.Stream, error) {
	if c.stream == nil {
		return nil, fmt.Errorf("shadowsocks: cipher is not a stream cipher")
	}
	return c.stream.newStream(c.secret, iv, encrypt)
}

// EVPBytesToKey derives a key of the requested length from an arbitrary
// password the way OpenSSL's EVP_BytesToKey does, per
// https://www.openssl.org/docs/manmaster/man3/EVP_BytesToKey.html, reused
// by both cipher families.
func EVPBytesToKey(password string, keyLen int) []byte {
	var derived, di []byte
	h := md5.New()
	data := []byte(password)
	for len(derived) < keyLen {
		h.Write(di)
		h.Write(data)
		derived = h.Sum(derived)
		di = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen]
}

// NewCipher builds a Cipher for the named algorithm (AEAD or legacy
// stream) and password.
func NewCipher(cipherName, password string) (*Cipher, error) {
	if spec, ok := findAEAD(cipherName); ok {
		return &Cipher{aead: spec, secret: EVPBytesToKey(password, spec.keySize)}, nil
	}
	if spec, ok := findStream(cipherName); ok {
		return &Cipher{stream: spec, secret: EVPBytesToKey(password, spec.keySize)}, nil
	}
	return nil, fmt.Errorf("shadowsocks: unsupported cipher %q", cipherName)
}
