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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
)

var testUserID = [16]byte{
	0x22, 0x22, 0x22, 0x22, 0x33, 0x33, 0x44, 0x44,
	0x55, 0x55, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
}

func testDest() flow.Destination {
	return flow.Destination{Host: flow.DomainHost("a.co"), Port: 443}
}

func TestKDFDeterministicAndDistinct(t *testing.T) {
	cmdKey := deriveCmdKey(testUserID)
	a := deriveHeaderKey(cmdKey[:], []byte("id"), []byte("nonce"))
	b := deriveHeaderKey(cmdKey[:], []byte("id"), []byte("nonce"))
	c := deriveHeaderIV(cmdKey[:], []byte("id"), []byte("nonce"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestRequestHeaderEncodeLayout(t *testing.T) {
	h := &RequestHeader{Security: SecurityAES128GCM, Dest: testDest()}
	h.ResAuth = 0xAB
	body := h.encode(0, nil)

	assert.Equal(t, byte(0x01), body[0], "version")
	assert.Equal(t, h.DataIV[:], body[1:17])
	assert.Equal(t, h.DataKey[:], body[17:33])
	assert.Equal(t, byte(0xAB), body[33], "res_auth")
	assert.Equal(t, byte(0x01), body[34], "opt")
	assert.Equal(t, byte(SecurityAES128GCM), body[35]&0x0F, "security nibble")
	assert.Equal(t, byte(0x00), body[36], "reserved")
	assert.Equal(t, byte(0x01), body[37], "cmd")
	assert.Equal(t, uint16(443), binary.BigEndian.Uint16(body[38:40]))
	assert.Equal(t, byte(flow.AddrTypeDomain), body[40])
	assert.Equal(t, byte(4), body[41])
	assert.Equal(t, "a.co", string(body[42:46]))

	f := fnv.New32a()
	f.Write(body[:len(body)-4])
	assert.Equal(t, f.Sum32(), binary.BigEndian.Uint32(body[len(body)-4:]),
		"trailing fnv1a32 over everything before it")
}

func TestLegacyRequestDecodes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h, err := newRequestHeader(SecurityAES128GCM, testDest())
	require.NoError(t, err)
	wire, err := EncodeLegacyRequest(testUserID, h, now)
	require.NoError(t, err)

	// Auth prefix is HMAC-MD5(user_id, ts_be64).
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(now.Unix()))
	mac := hmac.New(md5.New, testUserID[:])
	mac.Write(tsBuf[:])
	assert.Equal(t, mac.Sum(nil), wire[:16])

	// The body decrypts with key=MD5(uid||magic), iv=MD5(ts x4).
	cmdKey := deriveCmdKey(testUserID)
	var ivSrc [32]byte
	for i := 0; i < 4; i++ {
		copy(ivSrc[i*8:], tsBuf[:])
	}
	iv := md5.Sum(ivSrc[:])
	blk, err := aes.NewCipher(cmdKey[:])
	require.NoError(t, err)
	dec := make([]byte, len(wire)-16)
	cipher.NewCFBDecrypter(blk, iv[:]).XORKeyStream(dec, wire[16:])

	assert.Equal(t, h.encode(0, nil), dec)
}

func TestAEADRequestDecodes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h, err := newRequestHeader(SecurityAES128GCM, testDest())
	require.NoError(t, err)
	wire, _, err := EncodeAEADRequest(testUserID, h, now)
	require.NoError(t, err)

	cmdKey := deriveCmdKey(testUserID)
	authID := wire[:16]

	// auth_id decrypts under the KDF-derived ECB key to ts||rand||crc32.
	blk, err := aes.NewCipher(deriveAuthIDKey(cmdKey[:])[:16])
	require.NoError(t, err)
	var plain [16]byte
	blk.Decrypt(plain[:], authID)
	assert.Equal(t, uint64(now.Unix()), binary.BigEndian.Uint64(plain[:8]))
	assert.Equal(t, crc32.ChecksumIEEE(plain[:12]), binary.BigEndian.Uint32(plain[12:16]))

	sealedSize := wire[16 : 16+2+16]
	nonce := wire[16+2+16 : 16+2+16+8]
	sealedBody := wire[16+2+16+8:]

	sizeAEAD, err := newAESGCM(deriveHeaderSizeKey(cmdKey[:], authID, nonce)[:16])
	require.NoError(t, err)
	sizePlain, err := sizeAEAD.Open(nil, deriveHeaderSizeIV(cmdKey[:], authID, nonce)[:12], sealedSize, authID)
	require.NoError(t, err)
	assert.Equal(t, len(sealedBody), int(binary.BigEndian.Uint16(sizePlain)))

	bodyAEAD, err := newAESGCM(deriveHeaderKey(cmdKey[:], authID, nonce)[:16])
	require.NoError(t, err)
	body, err := bodyAEAD.Open(nil, deriveHeaderIV(cmdKey[:], authID, nonce)[:12], sealedBody, authID)
	require.NoError(t, err)
	assert.Equal(t, h.encode(0, nil), body)
}

func sealResponse(t *testing.T, enc *AEADRequestEncoder, res ResponseHeader) []byte {
	t.Helper()
	bodyAEAD, err := newAESGCM(deriveResKey(enc.resKeyBase[:])[:16])
	require.NoError(t, err)
	sealedBody := bodyAEAD.Seal(nil, deriveResIV(enc.resIVBase[:])[:12],
		[]byte{res.ResAuth, res.Opt, res.Cmd, res.CmdLen}, nil)

	sizeAEAD, err := newAESGCM(deriveResSizeKey(enc.resKeyBase[:])[:16])
	require.NoError(t, err)
	var sizeBuf [2]byte
	binary.BigEndian.PutUint16(sizeBuf[:], uint16(len(sealedBody)-16))
	sealedSize := sizeAEAD.Seal(nil, deriveResSizeIV(enc.resIVBase[:])[:12], sizeBuf[:], nil)

	return append(sealedSize, sealedBody...)
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	h, err := newRequestHeader(SecurityAES128GCM, testDest())
	require.NoError(t, err)
	_, enc, err := EncodeAEADRequest(testUserID, h, time.Unix(1700000000, 0))
	require.NoError(t, err)

	wire := sealResponse(t, enc, ResponseHeader{ResAuth: h.ResAuth})
	n, err := enc.DecodeResponseSize(wire[:ResponseHeaderSizeLen])
	require.NoError(t, err)
	require.Equal(t, len(wire)-ResponseHeaderSizeLen, n)
	res, err := enc.DecodeResponseBody(wire[ResponseHeaderSizeLen:])
	require.NoError(t, err)
	assert.Equal(t, h.ResAuth, res.ResAuth)
}

func TestResponseHeaderMismatchRejected(t *testing.T) {
	h, err := newRequestHeader(SecurityAES128GCM, testDest())
	require.NoError(t, err)
	_, enc, err := EncodeAEADRequest(testUserID, h, time.Unix(1700000000, 0))
	require.NoError(t, err)

	wire := sealResponse(t, enc, ResponseHeader{ResAuth: h.ResAuth ^ 0xFF})
	_, err = enc.DecodeResponseSize(wire[:ResponseHeaderSizeLen])
	require.NoError(t, err)
	_, err = enc.DecodeResponseBody(wire[ResponseHeaderSizeLen:])
	require.Error(t, err)
}

func TestBodyRoundTrip(t *testing.T) {
	for _, sec := range []Security{SecurityAES128GCM, SecurityChaCha20Poly1305} {
		key := bytes.Repeat([]byte{0x42}, 16)
		iv := bytes.Repeat([]byte{0x24}, 16)

		var wire bytes.Buffer
		w, err := newBodyWriter(&wire, sec, key, iv)
		require.NoError(t, err)
		msg := bytes.Repeat([]byte("0123456789abcdef"), 4096) // > one chunk
		_, err = w.Write(msg)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := newBodyReader(&wire, sec, key, iv)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, msg, got)

		// The closing chunk yields EOF, and the counter advanced once per
		// chunk on both sides.
		assert.Equal(t, w.count, r.count)
		assert.GreaterOrEqual(t, int(w.count), 2)
	}
}

func TestBodyChunkCounterSplicedIntoNonce(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 16)
	iv := bytes.Repeat([]byte{2}, 16)
	var wire bytes.Buffer
	w, err := newBodyWriter(&wire, SecurityAES128GCM, key, iv)
	require.NoError(t, err)
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	_, err = w.Write([]byte("b"))
	require.NoError(t, err)

	// Decrypting the second chunk with counter 0 must fail; with 1 it
	// succeeds.
	aead, err := newBodyAEAD(SecurityAES128GCM, key)
	require.NoError(t, err)
	raw := wire.Bytes()
	first := int(binary.BigEndian.Uint16(raw[:2]))
	second := raw[2+first:]
	sealed := second[2:]

	nonce := make([]byte, 12)
	copy(nonce, iv[:12])
	binary.BigEndian.PutUint16(nonce[:2], 0)
	_, err = aead.Open(nil, nonce, sealed, nil)
	require.Error(t, err)
	binary.BigEndian.PutUint16(nonce[:2], 1)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), plain)
}
