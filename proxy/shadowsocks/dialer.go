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
	"context"
	"fmt"

	"github.com/ytflow/ytflowcore/flow"
)

// StreamDialer is a flow.StreamOutboundFactory that wraps a lower-layer
// outbound factory with Shadowsocks framing, folding the destination
// header plus any caller-supplied initial data into the very first write
// so the whole request rides one segment.
type StreamDialer struct {
	Lower  flow.StreamOutboundFactory
	Cipher *Cipher
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

// DialStream implements flow.StreamOutboundFactory.
func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	lower, _, err := d.Lower.DialStream(ctx, dst, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("shadowsocks: dial lower layer: %w", err)
	}

	var w interface {
		Write([]byte) (int, error)
	}
	var r interface {
		Read([]byte) (int, error)
	}
	if d.Cipher.IsAEAD() {
		aw, err := newAEADWriter(lower, d.Cipher)
		if err != nil {
			lower.Close()
			return nil, nil, err
		}
		w, r = aw, newAEADReader(lower, d.Cipher)
	} else {
		sw, err := newStreamWriter(lower, d.Cipher)
		if err != nil {
			lower.Close()
			return nil, nil, err
		}
		w, r = sw, newStreamReader(lower, d.Cipher)
	}

	header := make([]byte, 0, flow.DestinationLen(dst)+len(initialData))
	header = appendDestination(header, dst)
	header = append(header, initialData...)
	if _, err := w.Write(header); err != nil {
		lower.Close()
		return nil, nil, fmt.Errorf("shadowsocks: write request header: %w", err)
	}

	return flow.WrapStream(lower, r, w), nil, nil
}

func appendDestination(buf []byte, dst flow.Destination) []byte {
	var tmp [1 + 255 + 2]byte
	n := 0
	if dst.Host.IsIP() {
		ip4 := dst.Host.IP().To4()
		if ip4 != nil {
			tmp[0] = flow.AddrTypeIPv4
			n = 1 + copy(tmp[1:], ip4)
		} else {
			tmp[0] = flow.AddrTypeIPv6
			n = 1 + copy(tmp[1:], dst.Host.IP().To16())
		}
	} else {
		domain := dst.Host.Domain()
		tmp[0] = flow.AddrTypeDomain
		tmp[1] = byte(len(domain))
		n = 2 + copy(tmp[2:], domain)
	}
	tmp[n], tmp[n+1] = byte(dst.Port>>8), byte(dst.Port)
	return append(buf, tmp[:n+2]...)
}
