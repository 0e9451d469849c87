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

package socks5

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytflow/ytflowcore/flow"
)

type captureHandler struct {
	fc     flow.Context
	stream flow.Stream
	done   chan struct{}
}

func (h *captureHandler) HandleStream(ctx context.Context, s flow.Stream, fc flow.Context) error {
	h.fc = fc
	h.stream = s
	close(h.done)
	<-ctx.Done()
	return nil
}

type pipeFactory struct{ local flow.Stream }

func (f pipeFactory) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	return f.local, nil, nil
}

// TestClientAgainstServer wires the client dialer straight into the server
// handler: the full handshake, both unauthenticated and with credentials.
func TestClientAgainstServer(t *testing.T) {
	for _, tc := range []struct {
		name string
		cred *Credentials
	}{
		{name: "noauth", cred: nil},
		{name: "userpass", cred: &Credentials{Username: []byte("user"), Password: []byte("hunter2")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clientSide, serverSide := flow.Pipe()
			handler := &captureHandler{done: make(chan struct{})}
			srv := &Server{Cred: tc.cred, Next: handler}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go srv.HandleStream(ctx, serverSide, flow.Context{})

			d := &StreamDialer{Lower: pipeFactory{clientSide}, Cred: tc.cred}
			dst := flow.Destination{Host: flow.DomainHost("a.co"), Port: 34187}
			stream, initialResp, err := d.DialStream(context.Background(), dst, []byte("early"))
			require.NoError(t, err)
			assert.Empty(t, initialResp)

			<-handler.done
			assert.Equal(t, "a.co", handler.fc.RemotePeer.Host.Domain())
			assert.Equal(t, uint16(34187), handler.fc.RemotePeer.Port)

			// The initial data arrives as the first proxied bytes.
			buf := make([]byte, 16)
			n, err := handler.stream.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, "early", string(buf[:n]))

			// And the tunnel is transparent both ways afterward.
			go handler.stream.Write([]byte("pong"))
			n, err = stream.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, "pong", string(buf[:n]))
		})
	}
}

func TestClientRejectsWrongPassword(t *testing.T) {
	clientSide, serverSide := flow.Pipe()
	srv := &Server{
		Cred: &Credentials{Username: []byte("user"), Password: []byte("right")},
		Next: &captureHandler{done: make(chan struct{})},
	}
	go srv.HandleStream(context.Background(), serverSide, flow.Context{})

	d := &StreamDialer{
		Lower: pipeFactory{clientSide},
		Cred:  &Credentials{Username: []byte("user"), Password: []byte("wrong")},
	}
	_, _, err := d.DialStream(context.Background(), flow.Destination{Host: flow.DomainHost("a.co"), Port: 1}, nil)
	require.Error(t, err)
}

func TestServerRejectsNonConnect(t *testing.T) {
	clientSide, serverSide := flow.Pipe()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- (&Server{Next: &captureHandler{done: make(chan struct{})}}).
			HandleStream(context.Background(), serverSide, flow.Context{})
	}()

	clientSide.Write([]byte{0x05, 0x01, 0x00})
	var sel [2]byte
	_, err := io.ReadFull(clientSide, sel[:])
	require.NoError(t, err)
	require.Equal(t, byte(0x00), sel[1])

	// CMD=2 (BIND) must be answered with reply code 0x07.
	clientSide.Write([]byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})
	var reply [10]byte
	_, err = io.ReadFull(clientSide, reply[:])
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), reply[0])
	assert.Equal(t, byte(0x07), reply[1])
	require.Error(t, <-srvErr)
}

func TestServerRequiresOfferedMethod(t *testing.T) {
	clientSide, serverSide := flow.Pipe()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- (&Server{
			Cred: &Credentials{Username: []byte("u"), Password: []byte("p")},
			Next: &captureHandler{done: make(chan struct{})},
		}).HandleStream(context.Background(), serverSide, flow.Context{})
	}()

	// Client only offers no-auth; the credentialed server must refuse.
	clientSide.Write([]byte{0x05, 0x01, 0x00})
	var sel [2]byte
	_, err := io.ReadFull(clientSide, sel[:])
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), sel[1])
	require.Error(t, <-srvErr)
}
