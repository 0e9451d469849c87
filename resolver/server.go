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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/ytflow/ytflowcore/flow"
)

// Server answers DNS queries using a flow.Resolver. It handles datagram
// sessions whose payloads are raw DNS messages (the shape a TUN-captured
// port-53 flow arrives in): one query datagram in, one response datagram
// out.
type Server struct {
	Resolver flow.Resolver
	TTL      uint32 // TTL stamped on synthesized answers
	Logger   *slog.Logger
}

var _ flow.DatagramSessionHandler = (*Server)(nil)

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) ttl() uint32 {
	if s.TTL == 0 {
		return 60
	}
	return s.TTL
}

// HandleDatagramSession implements flow.DatagramSessionHandler.
func (s *Server) HandleDatagramSession(ctx context.Context, inbound flow.DatagramSession, fc flow.Context) error {
	defer inbound.Close()
	for {
		from, payload, err := inbound.RecvFrom(ctx)
		if err != nil {
			return err
		}
		resp, err := s.ServeMessage(ctx, payload)
		if err != nil {
			s.logger().Debug("dns query failed", "local", fc.LocalPeer, "err", err)
			continue
		}
		if err := inbound.SendTo(ctx, from, resp); err != nil {
			return err
		}
	}
}

// ServeMessage resolves one raw DNS query message and packs a response.
// Queries other than A/AAAA get an empty NOERROR answer; resolver failures
// become SERVFAIL so the client can fall through instead of timing out.
func (s *Server) ServeMessage(ctx context.Context, query []byte) ([]byte, error) {
	var msg dnsmessage.Message
	if err := msg.Unpack(query); err != nil {
		return nil, fmt.Errorf("resolver: unpack query: %w", err)
	}
	if len(msg.Questions) == 0 {
		return nil, errors.New("resolver: query carries no question")
	}
	q := msg.Questions[0]

	resp := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:                 msg.ID,
			Response:           true,
			OpCode:             msg.OpCode,
			RecursionDesired:   msg.RecursionDesired,
			RecursionAvailable: true,
		},
		Questions: []dnsmessage.Question{q},
	}

	name := canonical(q.Name.String())
	switch q.Type {
	case dnsmessage.TypeA:
		ips, err := s.Resolver.ResolveIPv4(ctx, name)
		if err != nil {
			resp.RCode = dnsmessage.RCodeServerFailure
			break
		}
		for _, ip := range ips {
			v4 := ip.To4()
			if v4 == nil {
				continue
			}
			var body dnsmessage.AResource
			copy(body.A[:], v4)
			resp.Answers = append(resp.Answers, dnsmessage.Resource{
				Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: q.Class, TTL: s.ttl()},
				Body:   &body,
			})
		}
	case dnsmessage.TypeAAAA:
		ips, err := s.Resolver.ResolveIPv6(ctx, name)
		if err != nil {
			resp.RCode = dnsmessage.RCodeServerFailure
			break
		}
		for _, ip := range ips {
			v6 := ip.To16()
			if v6 == nil {
				continue
			}
			var body dnsmessage.AAAAResource
			copy(body.AAAA[:], v6)
			resp.Answers = append(resp.Answers, dnsmessage.Resource{
				Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeAAAA, Class: q.Class, TTL: s.ttl()},
				Body:   &body,
			})
		}
	}

	packed, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("resolver: pack response: %w", err)
	}
	return packed, nil
}
