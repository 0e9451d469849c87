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

	"github.com/ytflow/ytflowcore/flow"
)

// CopyDatagram bridges inbound and a peer session obtained from factory,
// pumping datagrams in both directions, one goroutine per direction,
// until either side reports end-of-stream.
func CopyDatagram(ctx context.Context, inbound flow.DatagramSession, factory flow.DatagramSessionFactory, fc flow.Context, stats *StatHandle) error {
	outbound, err := factory.Bind(ctx, fc)
	if err != nil {
		inbound.Close()
		return err
	}
	defer outbound.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- pumpDatagram(ctx, inbound, outbound, stats.AddUplink) }()
	go func() { errCh <- pumpDatagram(ctx, outbound, inbound, stats.AddDownlink) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil && !errors.Is(err, io.EOF) {
			firstErr = err
		}
		cancel() // either side ending shuts down both directions
	}
	inbound.Close()
	outbound.Close()
	return firstErr
}

func pumpDatagram(ctx context.Context, src, dst flow.DatagramSession, record func(int)) error {
	for {
		from, payload, err := src.RecvFrom(ctx)
		if err != nil {
			return err
		}
		record(len(payload))
		if err := dst.SendTo(ctx, from, payload); err != nil {
			return err
		}
	}
}
