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

// Package vmess implements the VMess legacy and AEAD header codecs plus
// the AEAD data body framing, as small typed structs with []byte
// marshal/unmarshal methods.
package vmess

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// kdfRoot is the fixed root key every VMess AEAD KDF chain nests under.
var kdfRoot = []byte("VMess AEAD KDF")

// kdf implements the nested-HMAC key derivation: each path segment
// becomes the HMAC key of a new hash function wrapping the previous one,
// with "key" as the final message. The chain of hash.Hash constructors is
// built explicitly, one closure per nesting level.
func kdf(key []byte, path ...[]byte) []byte {
	newHash := func() hash.Hash { return hmac.New(sha256.New, kdfRoot) }
	for _, seg := range path {
		seg := seg
		prev := newHash
		newHash = func() hash.Hash { return hmac.New(prev, seg) }
	}
	h := newHash()
	h.Write(key)
	return h.Sum(nil)
}

var (
	pathAuthIDEncKey   = []byte("AES Auth ID Encryption")
	pathHeaderSizeKey  = []byte("VMess Header AEAD Key_Length")
	pathHeaderSizeIV   = []byte("VMess Header AEAD Nonce_Length")
	pathHeaderKey      = []byte("VMess Header AEAD Key")
	pathHeaderIV       = []byte("VMess Header AEAD Nonce")
	pathResSizeKey     = []byte("AEAD Resp Header Len Key")
	pathResSizeIV      = []byte("AEAD Resp Header Len IV")
	pathResKey         = []byte("AEAD Resp Header Key")
	pathResIV          = []byte("AEAD Resp Header IV")
)

func deriveAuthIDKey(cmdKey []byte) []byte {
	return kdf(cmdKey, pathAuthIDEncKey)
}

func deriveHeaderSizeKey(cmdKey, authID, nonce []byte) []byte {
	return kdf(cmdKey, pathHeaderSizeKey, authID, nonce)
}

func deriveHeaderSizeIV(cmdKey, authID, nonce []byte) []byte {
	return kdf(cmdKey, pathHeaderSizeIV, authID, nonce)
}

func deriveHeaderKey(cmdKey, authID, nonce []byte) []byte {
	return kdf(cmdKey, pathHeaderKey, authID, nonce)
}

func deriveHeaderIV(cmdKey, authID, nonce []byte) []byte {
	return kdf(cmdKey, pathHeaderIV, authID, nonce)
}

func deriveResSizeKey(resKey []byte) []byte { return kdf(resKey, pathResSizeKey) }
func deriveResSizeIV(resIV []byte) []byte   { return kdf(resIV, pathResSizeIV) }
func deriveResKey(resKey []byte) []byte     { return kdf(resKey, pathResKey) }
func deriveResIV(resIV []byte) []byte       { return kdf(resIV, pathResIV) }
