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

// Package trojan implements a trojan protocol client. Trojan's framing is
// a single request header on an already-TLS-protected connection; after
// the header the stream is the raw proxied payload.
package trojan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ytflow/ytflowcore/flow"
)

// StreamDialer writes the trojan request header — hex(SHA-224(password)),
// CRLF, CONNECT command, destination, CRLF — followed by any initial
// payload, all in one write. The lower factory is expected to already
// carry TLS; trojan itself adds no encryption.
type StreamDialer struct {
	Lower    flow.StreamOutboundFactory
	Password []byte
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

const cmdConnect = 1

// DialStream implements flow.StreamOutboundFactory.
func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	lower, _, err := d.Lower.DialStream(ctx, dst, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("trojan: dial lower layer: %w", err)
	}

	digest := sha256.Sum224(d.Password)
	header := make([]byte, 0, 56+2+1+flow.DestinationLen(dst)+2+len(initialData))
	header = hex.AppendEncode(header, digest[:])
	header = append(header, '\r', '\n')
	header = append(header, cmdConnect)
	header = appendDestination(header, dst)
	header = append(header, '\r', '\n')
	header = append(header, initialData...)

	if _, err := lower.Write(header); err != nil {
		lower.Close()
		return nil, nil, fmt.Errorf("trojan: write request header: %w", err)
	}
	return lower, nil, nil
}

func appendDestination(buf []byte, dst flow.Destination) []byte {
	if dst.Host.IsIP() {
		if ip4 := dst.Host.IP().To4(); ip4 != nil {
			buf = append(buf, flow.AddrTypeIPv4)
			buf = append(buf, ip4...)
		} else {
			buf = append(buf, flow.AddrTypeIPv6)
			buf = append(buf, dst.Host.IP().To16()...)
		}
	} else {
		domain := dst.Host.Domain()
		buf = append(buf, flow.AddrTypeDomain, byte(len(domain)))
		buf = append(buf, domain...)
	}
	return append(buf, byte(dst.Port>>8), byte(dst.Port))
}
