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
	"context"
	"fmt"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

// StreamDialer is a flow.StreamOutboundFactory that wraps a lower-layer
// outbound factory with the VMess AEAD header and data-body framing, the
// same factory-wraps-a-lower-factory shape as
// proxy/shadowsocks.StreamDialer.
type StreamDialer struct {
	Lower    flow.StreamOutboundFactory
	UserID   [16]byte
	Security Security
	// Legacy selects the pre-AEAD header format (HMAC-MD5 auth + AES-128-CFB
	// request) instead of the AEAD header. Its unused option bits are kept
	// as-is.
	Legacy bool
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

// DialStream implements flow.StreamOutboundFactory.
func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	lower, _, err := d.Lower.DialStream(ctx, dst, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("vmess: dial lower layer: %w", err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			lower.Close()
		}
	}()

	req, err := newRequestHeader(d.Security, dst)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	var wireHeader []byte
	var dec *AEADRequestEncoder
	if d.Legacy {
		wireHeader, err = EncodeLegacyRequest(d.UserID, req, now)
	} else {
		wireHeader, dec, err = EncodeAEADRequest(d.UserID, req, now)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vmess: encode request header: %w", err)
	}
	if _, err := lower.Write(wireHeader); err != nil {
		return nil, nil, fmt.Errorf("vmess: write request header: %w", err)
	}

	w, err := newBodyWriter(lower, req.Security, req.DataKey[:], req.DataIV[:])
	if err != nil {
		return nil, nil, err
	}
	if len(initialData) > 0 {
		if _, err := w.Write(initialData); err != nil {
			return nil, nil, err
		}
	}

	downKey := sha256Sum16(req.DataKey[:])
	downIV := sha256Sum16(req.DataIV[:])
	r, err := newBodyReader(lower, req.Security, downKey[:], downIV[:])
	if err != nil {
		return nil, nil, err
	}

	if !d.Legacy {
		rhr := &responseHeaderReader{lower: lower, dec: dec}
		r.r = rhr
	}

	closeOnErr = false
	return &vmessStream{Stream: lower, r: r, w: w}, nil, nil
}

// responseHeaderReader strips and validates the AEAD response header from
// the front of the wire exactly once, then delegates straight to the
// underlying stream for the data body.
type responseHeaderReader struct {
	lower     flow.Stream
	dec       *AEADRequestEncoder
	validated bool
}

func (r *responseHeaderReader) Read(p []byte) (int, error) {
	if !r.validated {
		// The response header is self-delimiting: a size+tag block names
		// exactly how many more bytes the sealed body+tag occupies, so we
		// read it in two exact reads instead of guessing and retrying.
		sizeAndTag := make([]byte, ResponseHeaderSizeLen)
		if _, err := ioReadFull(r.lower, sizeAndTag); err != nil {
			return 0, err
		}
		bodyAndTagLen, err := r.dec.DecodeResponseSize(sizeAndTag)
		if err != nil {
			return 0, err
		}
		bodyAndTag := make([]byte, bodyAndTagLen)
		if _, err := ioReadFull(r.lower, bodyAndTag); err != nil {
			return 0, err
		}
		if _, err := r.dec.DecodeResponseBody(bodyAndTag); err != nil {
			return 0, err
		}
		r.validated = true
	}
	return r.lower.Read(p)
}

func ioReadFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// vmessStream adapts the AEAD body reader/writer pair onto the lower
// flow.Stream, closing the write side by emitting the zero-length chunk
// uses as an EOF marker instead of a bare half-close.
type vmessStream struct {
	flow.Stream
	r *bodyReader
	w *bodyWriter
}

func (v *vmessStream) Read(p []byte) (int, error)  { return v.r.Read(p) }
func (v *vmessStream) Write(p []byte) (int, error) { return v.w.Write(p) }

func (v *vmessStream) CloseWrite() error {
	if err := v.w.Close(); err != nil {
		return err
	}
	return v.Stream.CloseWrite()
}
