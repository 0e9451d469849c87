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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
)

// recordingFactory hands out one side of a pipe and records the initial
// data it was dialed with.
type recordingFactory struct {
	mu          sync.Mutex
	initialData []byte
	initialResp []byte
	peer        flow.Stream
	dialErr     error
}

func (f *recordingFactory) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, nil, f.dialErr
	}
	f.initialData = append([]byte(nil), initialData...)
	local, peer := flow.Pipe()
	f.peer = peer
	return local, f.initialResp, nil
}

func TestCopyStreamBidirectional(t *testing.T) {
	inbound, client := flow.Pipe()
	factory := &recordingFactory{}
	stats := NewStatHandle("test", nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- CopyStream(context.Background(), inbound,
			factory, flow.Destination{Host: flow.DomainHost("a.co"), Port: 80}, 0, stats)
	}()

	// Give the forwarder a moment to dial, then speak both ways.
	var peer flow.Stream
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		peer = factory.peer
		return peer != nil
	}, time.Second, time.Millisecond)

	go func() {
		client.Write([]byte("request"))
		client.CloseWrite()
	}()
	buf := make([]byte, 16)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "request", string(buf[:n]))
	_, err = peer.Read(buf)
	assert.ErrorIs(t, errOrEOF(err), io.EOF)

	peer.Write([]byte("response"))
	peer.CloseWrite()
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "response", string(buf[:n]))

	require.NoError(t, <-done)
	assert.Equal(t, uint64(7), stats.Uplink())
	assert.Equal(t, uint64(8), stats.Downlink())
}

func errOrEOF(err error) error {
	if err != nil && err.Error() == "EOF" {
		return io.EOF
	}
	return err
}

func TestCopyStreamInitialDataExtraction(t *testing.T) {
	inbound, client := flow.Pipe()
	factory := &recordingFactory{initialResp: []byte("hello-back")}
	stats := NewStatHandle("test", nil, nil, nil)

	go client.Write([]byte("GET / HTTP/1.1\r\n"))

	done := make(chan error, 1)
	go func() {
		done <- CopyStream(context.Background(), inbound,
			factory, flow.Destination{Host: flow.DomainHost("a.co"), Port: 80}, 500*time.Millisecond, stats)
	}()

	// The initial chunk must ride into the factory, and the factory's
	// initial response must surface on the inbound before forwarding.
	buf := make([]byte, 32)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-back", string(buf[:n]))

	factory.mu.Lock()
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(factory.initialData))
	peer := factory.peer
	factory.mu.Unlock()

	client.CloseWrite()
	peer.CloseWrite()
	require.NoError(t, <-done)
}

func TestCopyStreamDialFailureClosesInbound(t *testing.T) {
	inbound, client := flow.Pipe()
	factory := &recordingFactory{dialErr: errors.New("unreachable")}
	stats := NewStatHandle("test", nil, nil, nil)

	err := CopyStream(context.Background(), inbound,
		factory, flow.Destination{Host: flow.DomainHost("a.co"), Port: 80}, 0, stats)
	require.Error(t, err)

	// The inbound was closed normally: reads on the client end fail.
	buf := make([]byte, 4)
	_, rerr := client.Read(buf)
	assert.Error(t, rerr)
}

func TestCopyDatagramTermination(t *testing.T) {
	inbound := newMemorySession()
	outbound := newMemorySession()
	factory := &memorySessionFactory{session: outbound}
	stats := NewStatHandle("test", nil, nil, nil)

	dst := flow.Destination{Host: flow.DomainHost("dns.example"), Port: 53}
	inbound.deliver(dst, []byte("query"))

	done := make(chan error, 1)
	go func() {
		done <- CopyDatagram(context.Background(), inbound, factory, flow.Context{RemotePeer: dst}, stats)
	}()

	sent := <-outbound.sent
	assert.Equal(t, "query", string(sent.payload))

	outbound.deliver(dst, []byte("answer"))
	back := <-inbound.sent
	assert.Equal(t, "answer", string(back.payload))

	// Ending one side ends the whole forward.
	inbound.Close()
	select {
	case err := <-done:
		if err != nil {
			assert.NotErrorIs(t, err, context.DeadlineExceeded)
		}
	case <-time.After(time.Second):
		t.Fatal("datagram forward did not terminate")
	}
}

type sentDatagram struct {
	dst     flow.Destination
	payload []byte
}

type memorySession struct {
	incoming  chan sentDatagram
	sent      chan sentDatagram
	done      chan struct{}
	closeOnce sync.Once
}

func newMemorySession() *memorySession {
	return &memorySession{
		incoming: make(chan sentDatagram, 16),
		sent:     make(chan sentDatagram, 16),
		done:     make(chan struct{}),
	}
}

func (m *memorySession) deliver(dst flow.Destination, payload []byte) {
	m.incoming <- sentDatagram{dst: dst, payload: payload}
}

func (m *memorySession) RecvFrom(ctx context.Context) (flow.Destination, []byte, error) {
	select {
	case d := <-m.incoming:
		return d.dst, d.payload, nil
	case <-m.done:
		return flow.Destination{}, nil, io.EOF
	case <-ctx.Done():
		return flow.Destination{}, nil, ctx.Err()
	}
}

func (m *memorySession) SendTo(ctx context.Context, dst flow.Destination, payload []byte) error {
	m.sent <- sentDatagram{dst: dst, payload: payload}
	return nil
}

func (m *memorySession) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

type memorySessionFactory struct{ session *memorySession }

func (f *memorySessionFactory) Bind(ctx context.Context, fc flow.Context) (flow.DatagramSession, error) {
	return f.session, nil
}
