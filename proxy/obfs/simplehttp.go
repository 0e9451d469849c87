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

package obfs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"github.com/ytflow/ytflowcore/flow"
)

const simpleHTTPMaxHeaderSize = 1024

// SimpleHTTPDialer disguises a connection as a WebSocket upgrade request:
// a plausible GET request with a random Sec-WebSocket-Key carries the
// initial payload as its body. Once the
// matching upgrade response is parsed and stripped, the stream behaves
// exactly like the lower transport — simple-http adds no framing beyond
// the handshake.
type SimpleHTTPDialer struct {
	Lower flow.StreamOutboundFactory
	Host  string
	Path  string
}

var _ flow.StreamOutboundFactory = (*SimpleHTTPDialer)(nil)

func (d *SimpleHTTPDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}
	wsKey := make([]byte, 16)
	if _, err := rand.Read(wsKey); err != nil {
		return nil, nil, err
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\nHost: %s\r\n", path, d.Host)
	fmt.Fprintf(&req, "User-Agent: curl/7.%d.%d\r\n", mustRandN(51), mustRandN(2))
	req.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\nSec-Websocket-Key: ")
	req.WriteString(base64.StdEncoding.EncodeToString(wsKey))
	req.WriteString("\r\nContent-Length: ")
	req.WriteString(strconv.Itoa(len(initialData)))
	req.WriteString("\r\n\r\n")
	req.Write(initialData)

	lower, initialRes, err := d.Lower.DialStream(ctx, dst, req.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("obfs: simple-http dial lower layer: %w", err)
	}

	var src io.Reader = lower
	if len(initialRes) > 0 {
		src = io.MultiReader(bytes.NewReader(initialRes), lower)
	}
	reader := flow.NewReader(src, 4096)
	leftover, err := consumeHTTPHeaders(reader)
	if err != nil {
		return nil, nil, err
	}

	var out io.Reader = lower
	if len(leftover) > 0 {
		out = io.MultiReader(bytes.NewReader(leftover), lower)
	}
	return &simpleHTTPStream{Stream: lower, r: out}, nil, nil
}

// consumeHTTPHeaders reads and discards bytes up to and including the
// first blank-line terminator ("\r\n\r\n"), returning any bytes already
// buffered beyond it.
func consumeHTTPHeaders(r *flow.Reader) ([]byte, error) {
	n := 1
	for {
		buffered := 0
		bodyPos, err := flow.PeekAtLeast(r, n, func(buf []byte) (int, error) {
			buffered = len(buf)
			if len(buf) > simpleHTTPMaxHeaderSize {
				return 0, fmt.Errorf("obfs: simple-http header too large")
			}
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				return idx + 4, nil
			}
			return -1, nil
		})
		if err != nil {
			return nil, err
		}
		if bodyPos >= 0 {
			r.Advance(bodyPos)
			return r.IntoBuffer(), nil
		}
		n = buffered + 1
	}
}

func mustRandN(max int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0
	}
	return n.Int64()
}

// simpleHTTPStream is a flow.Stream whose reads are served from r (which
// may start with a few already-buffered bytes) instead of the embedded
// Stream directly.
type simpleHTTPStream struct {
	flow.Stream
	r io.Reader
}

func (s *simpleHTTPStream) Read(p []byte) (int, error) { return s.r.Read(p) }
