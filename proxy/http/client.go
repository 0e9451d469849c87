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

// Package http implements an HTTP CONNECT proxy client over a flow.Stream.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/ytflow/ytflowcore/flow"
)

// StreamDialer issues an HTTP CONNECT request on a lower connection and
// hands back the tunneled stream. The CONNECT request and any initial
// payload are pipelined in a single write; the proxy's response is parsed
// and stripped before the stream is returned.
type StreamDialer struct {
	Lower flow.StreamOutboundFactory
	// User/Pass, when either is non-empty, add a Proxy-Authorization
	// basic-auth header.
	User []byte
	Pass []byte
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

// DialStream implements flow.StreamOutboundFactory.
func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	lower, _, err := d.Lower.DialStream(ctx, dst, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("http-proxy: dial lower layer: %w", err)
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", dst.NetAddr(), dst.NetAddr())
	if len(d.User) > 0 || len(d.Pass) > 0 {
		cred := make([]byte, 0, len(d.User)+1+len(d.Pass))
		cred = append(cred, d.User...)
		cred = append(cred, ':')
		cred = append(cred, d.Pass...)
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString(cred))
	}
	req.WriteString("\r\n")
	req.Write(initialData)
	if _, err := lower.Write(req.Bytes()); err != nil {
		lower.Close()
		return nil, nil, fmt.Errorf("http-proxy: write CONNECT: %w", err)
	}

	br := bufio.NewReader(lower)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		lower.Close()
		return nil, nil, fmt.Errorf("http-proxy: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		lower.Close()
		return nil, nil, fmt.Errorf("http-proxy: CONNECT refused: %v: %w", resp.Status, flow.ErrUnexpectedData)
	}

	// Bytes the proxy pipelined after its response header belong to the
	// tunneled protocol.
	var initialResponse []byte
	if n := br.Buffered(); n > 0 {
		initialResponse = make([]byte, n)
		br.Read(initialResponse)
	}
	return lower, initialResponse, nil
}
