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
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

// Security identifies the data-body AEAD cipher a VMess request header
// negotiates in its 4-bit "security" nibble.
type Security byte

const (
	SecurityAES128GCM        Security = 0x03
	SecurityChaCha20Poly1305 Security = 0x04
)

const (
	userIDLen  = 16
	dataIVLen  = 16
	dataKeyLen = 16
	cmdKeyLen  = 16
	authIDLen  = 16
	nonceLen   = 8

	cmdConnectTCP = 0x01

	legacyMagic = "c48619fe-8f02-49e0-b9e9-edf763e17e21"
)

// deriveCmdKey computes the per-user command key every VMess header
// variant (legacy and AEAD) derives from: MD5(user_id || legacyMagic).
func deriveCmdKey(userID [userIDLen]byte) [cmdKeyLen]byte {
	h := md5.New()
	h.Write(userID[:])
	h.Write([]byte(legacyMagic))
	var out [cmdKeyLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RequestHeader is the plaintext request lays out field by
// field: data_iv/data_key seed the body cipher, res_auth round-trips into
// the response frame, cmd/dest name the target.
type RequestHeader struct {
	DataIV   [dataIVLen]byte
	DataKey  [dataKeyLen]byte
	ResAuth  byte
	Security Security
	Dest     flow.Destination
}

// newRequestHeader builds a fresh request with random IV/key/res_auth, the
// shape every dial performs once per connection.
func newRequestHeader(sec Security, dst flow.Destination) (*RequestHeader, error) {
	h := &RequestHeader{Security: sec, Dest: dst}
	if _, err := rand.Read(h.DataIV[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(h.DataKey[:]); err != nil {
		return nil, err
	}
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}
	h.ResAuth = b[0]
	return h, nil
}

// encode serializes the header body (everything the AEAD/legacy encoders
// seal): ver=1, iv, key, res_auth, opt=1, pad_len<<4|security, reserved=0,
// cmd, port, addr, pad, trailing fnv1a32 checksum.
func (h *RequestHeader) encode(padLen int, pad []byte) []byte {
	buf := make([]byte, 0, 1+dataIVLen+dataKeyLen+1+1+1+1+1+2+1+255+2+padLen+4)
	buf = append(buf, 0x01)
	buf = append(buf, h.DataIV[:]...)
	buf = append(buf, h.DataKey[:]...)
	buf = append(buf, h.ResAuth, 0x01, byte(padLen<<4)|byte(h.Security), 0x00, cmdConnectTCP)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], h.Dest.Port)
	buf = append(buf, portBuf[:]...)

	var dst [1 + 255]byte
	n := 0
	if h.Dest.Host.IsIP() {
		if ip4 := h.Dest.Host.IP().To4(); ip4 != nil {
			dst[0] = flow.AddrTypeIPv4
			n = 1 + copy(dst[1:], ip4)
		} else {
			dst[0] = flow.AddrTypeIPv6
			n = 1 + copy(dst[1:], h.Dest.Host.IP().To16())
		}
	} else {
		domain := h.Dest.Host.Domain()
		dst[0] = flow.AddrTypeDomain
		dst[1] = byte(len(domain))
		n = 2 + copy(dst[2:], domain)
	}
	buf = append(buf, dst[:n]...)
	buf = append(buf, pad...)

	f := fnv.New32a()
	f.Write(buf)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], f.Sum32())
	return append(buf, sum[:]...)
}

// --- Legacy header (HMAC-MD5 auth + AES-128-CFB request) ---

// EncodeLegacyRequest builds the legacy-mode header: a 16-byte
// HMAC-MD5(user_id, utc_be64) auth prefix, followed by the request body
// AES-128-CFB encrypted with key=MD5(user_id||legacyMagic),
// iv=MD5(timestamp repeated 4x).
func EncodeLegacyRequest(userID [userIDLen]byte, h *RequestHeader, now time.Time) ([]byte, error) {
	ts := uint64(now.Unix())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ts)

	mac := hmac.New(md5.New, userID[:])
	mac.Write(tsBuf[:])
	auth := mac.Sum(nil)

	cmdKey := deriveCmdKey(userID)
	var ivSrc [32]byte
	for i := 0; i < 4; i++ {
		copy(ivSrc[i*8:], tsBuf[:])
	}
	iv := md5.Sum(ivSrc[:])

	blk, err := aes.NewCipher(cmdKey[:])
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBEncrypter(blk, iv[:])

	body := h.encode(0, nil)
	enc := make([]byte, len(body))
	stream.XORKeyStream(enc, body)

	return append(auth, enc...), nil
}

// --- AEAD header ---

func composeAuthIDPlaintext(ts uint64, rnd uint32) [aes.BlockSize]byte {
	var out [aes.BlockSize]byte
	binary.BigEndian.PutUint64(out[:8], ts)
	binary.BigEndian.PutUint32(out[8:12], rnd)
	checksum := crc32.ChecksumIEEE(out[:12])
	binary.BigEndian.PutUint32(out[12:16], checksum)
	return out
}

// AEADRequestEncoder holds the per-connection state needed to both emit
// the AEAD request header and, afterward, validate the AEAD response
// header requires to match.
type AEADRequestEncoder struct {
	resAuth    byte
	resKeyBase [dataKeyLen]byte
	resIVBase  [dataIVLen]byte
}

// EncodeAEADRequest builds the AEAD-mode header: auth_id (AES-ECB of
// timestamp||rand||crc32, keyed by a KDF-derived key), size(2)+tag(16),
// nonce(8), then the encrypted+sealed request body+tag(16). Keys and IVs
// come from the nested HMAC-SHA256 KDF chain.
func EncodeAEADRequest(userID [userIDLen]byte, h *RequestHeader, now time.Time) ([]byte, *AEADRequestEncoder, error) {
	cmdKey := deriveCmdKey(userID)

	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, nil, err
	}
	plain := composeAuthIDPlaintext(uint64(now.Unix()), binary.BigEndian.Uint32(rnd[:]))

	authIDKey := deriveAuthIDKey(cmdKey[:])
	ecbBlk, err := aes.NewCipher(authIDKey[:16])
	if err != nil {
		return nil, nil, err
	}
	var authID [authIDLen]byte
	ecbBlk.Encrypt(authID[:], plain[:])

	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nil, err
	}

	sizeAEAD, err := newAESGCM(deriveHeaderSizeKey(cmdKey[:], authID[:], nonce[:])[:16])
	if err != nil {
		return nil, nil, err
	}
	sizeNonce := deriveHeaderSizeIV(cmdKey[:], authID[:], nonce[:])[:12]
	bodyAEAD, err := newAESGCM(deriveHeaderKey(cmdKey[:], authID[:], nonce[:])[:16])
	if err != nil {
		return nil, nil, err
	}
	bodyNonce := deriveHeaderIV(cmdKey[:], authID[:], nonce[:])[:12]

	body := h.encode(0, nil)
	sealedBody := bodyAEAD.Seal(nil, bodyNonce, body, authID[:])

	var sizeBuf [2]byte
	binary.BigEndian.PutUint16(sizeBuf[:], uint16(len(sealedBody)))
	sealedSize := sizeAEAD.Seal(nil, sizeNonce, sizeBuf[:], authID[:])

	out := make([]byte, 0, authIDLen+len(sealedSize)+nonceLen+len(sealedBody))
	out = append(out, authID[:]...)
	out = append(out, sealedSize...)
	out = append(out, nonce[:]...)
	out = append(out, sealedBody...)

	resKey := sha256Sum16(h.DataKey[:])
	resIV := sha256Sum16(h.DataIV[:])
	return out, &AEADRequestEncoder{resAuth: h.ResAuth, resKeyBase: resKey, resIVBase: resIV}, nil
}

// ResponseHeader is the 4-byte frame the server answers with; it must
// echo the request's res_auth with cmd==0, cmd_len==0.
type ResponseHeader struct {
	ResAuth byte
	Opt     byte
	Cmd     byte
	CmdLen  byte
}

// ResponseHeaderSizeLen is the number of wire bytes DecodeResponseSize
// consumes: a 2-byte sealed size field plus its AEAD tag.
const ResponseHeaderSizeLen = 2 + 16

// DecodeResponseSize unseals the leading size+tag of the AEAD response
// header and returns how many more bytes (sealed body + tag) follow, so a
// caller can read exactly that much before calling DecodeResponseBody.
func (e *AEADRequestEncoder) DecodeResponseSize(sizeAndTag []byte) (bodyAndTagLen int, err error) {
	sizeAEAD, err := newAESGCM(deriveResSizeKey(e.resKeyBase[:])[:16])
	if err != nil {
		return 0, err
	}
	sizeNonce := deriveResSizeIV(e.resIVBase[:])[:12]
	sizePlain, err := sizeAEAD.Open(nil, sizeNonce, sizeAndTag, nil)
	if err != nil {
		return 0, fmt.Errorf("vmess: response size tag invalid: %w", err)
	}
	return int(binary.BigEndian.Uint16(sizePlain)) + 16, nil
}

// DecodeResponseBody unseals the sealed body+tag DecodeResponseSize
// announced and validates it against the request's res_auth.
func (e *AEADRequestEncoder) DecodeResponseBody(bodyAndTag []byte) (ResponseHeader, error) {
	bodyAEAD, err := newAESGCM(deriveResKey(e.resKeyBase[:])[:16])
	if err != nil {
		return ResponseHeader{}, err
	}
	bodyNonce := deriveResIV(e.resIVBase[:])[:12]
	bodyPlain, err := bodyAEAD.Open(nil, bodyNonce, bodyAndTag, nil)
	if err != nil {
		return ResponseHeader{}, fmt.Errorf("vmess: response body tag invalid: %w", err)
	}
	if len(bodyPlain) != 4 {
		return ResponseHeader{}, fmt.Errorf("vmess: unexpected response body length %d", len(bodyPlain))
	}
	res := ResponseHeader{ResAuth: bodyPlain[0], Opt: bodyPlain[1], Cmd: bodyPlain[2], CmdLen: bodyPlain[3]}
	if res.ResAuth != e.resAuth || res.Cmd != 0 || res.CmdLen != 0 {
		return ResponseHeader{}, fmt.Errorf("vmess: response header mismatch")
	}
	return res, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}
