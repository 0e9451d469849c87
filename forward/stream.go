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

package forward

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ytflow/ytflowcore/flow"
)

// defaultCopyBufferSize is big enough to amortize syscalls while keeping
// per-flow memory bounded.
const defaultCopyBufferSize = 16 * 1024

// CopyStream bridges inbound and a peer obtained from factory for dst,
// implementing the initial-data handshake plus a bidirectional
// copy with half-close. It blocks until both directions finish or either
// errors, then returns the first error encountered (nil on clean EOF).
//
// requestTimeout, if non-zero, bounds how long CopyStream waits to read an
// initial chunk from inbound before giving up and dialing with no initial
// data. Protocols that can fold a first payload into their handshake
// (Shadowsocks, SOCKS5, VMess) elide a round trip this way.
func CopyStream(ctx context.Context, inbound flow.Stream, factory flow.StreamOutboundFactory, dst flow.Destination, requestTimeout time.Duration, stats *StatHandle) error {
	initialData, err := readInitialChunk(inbound, requestTimeout)
	if err != nil && !errors.Is(err, errInitialTimeout) {
		return err
	}

	outbound, initialResponse, err := factory.DialStream(ctx, dst, initialData)
	if err != nil {
		// An unreachable outbound during handshake is logged by the caller
		// and causes the inbound to close normally: no artificial drain.
		inbound.Close()
		return err
	}
	defer outbound.Close()

	if len(initialResponse) > 0 {
		if _, err := inbound.Write(initialResponse); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- copyHalf(inbound, outbound, stats, stats.AddUplink) }()
	go func() { errCh <- copyHalf(outbound, inbound, stats, stats.AddDownlink) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// copyHalf copies src -> dst until EOF or error, then half-closes dst's
// write side, matching "EOF on the RX side flushes any pending TX buffer
// before poll_close_tx" by relying on io.CopyBuffer's own flush-on-each-
// write semantics (Go's Write is synchronous, so there is no separate
// flush step to sequence).
func copyHalf(src io.Reader, dst flow.Stream, stats *StatHandle, record func(int)) error {
	buf := make([]byte, defaultCopyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			record(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			dst.CloseWrite()
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

var errInitialTimeout = errors.New("forward: initial chunk read timed out")

// readInitialChunk reads at most one chunk from inbound within timeout.
// A zero timeout disables the attempt entirely.
func readInitialChunk(inbound flow.Stream, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, nil
	}
	if err := inbound.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil //nolint:nilerr // deadline support is best-effort
	}
	defer inbound.SetReadDeadline(time.Time{})

	buf := make([]byte, defaultCopyBufferSize)
	n, err := inbound.Read(buf)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errInitialTimeout
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf[:n], nil
}
