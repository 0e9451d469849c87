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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func answerFor(t *testing.T, q dnsmessage.Question, ip net.IP, ttl uint32) *dnsmessage.Message {
	t.Helper()
	msg := &dnsmessage.Message{
		Header:    dnsmessage.Header{Response: true},
		Questions: []dnsmessage.Question{q},
	}
	var body dnsmessage.AResource
	copy(body.A[:], ip.To4())
	msg.Answers = append(msg.Answers, dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: q.Class, TTL: ttl},
		Body:   &body,
	})
	return msg
}

func TestHostResolverExtractsARecords(t *testing.T) {
	rt := FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		require.Equal(t, dnsmessage.TypeA, q.Type)
		require.Equal(t, "example.com.", q.Name.String())
		return answerFor(t, q, net.IPv4(192, 0, 2, 10), 300), nil
	})
	r := NewHostResolver(rt, 4)
	ips, err := r.ResolveIPv4(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.IP{192, 0, 2, 10}}, ips)
}

func TestCacheHitAndTTLClamp(t *testing.T) {
	calls := 0
	rt := FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		calls++
		return answerFor(t, q, net.IPv4(192, 0, 2, 1), 1), nil
	})
	c := NewCache(rt, 60*time.Second, 10*time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	q, err := NewQuestion("a.test.", dnsmessage.TypeA)
	require.NoError(t, err)

	_, err = c.RoundTrip(context.Background(), *q)
	require.NoError(t, err)
	_, err = c.RoundTrip(context.Background(), *q)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "second query should be served from cache")

	// The 1s answer TTL is clamped up to MinTTL=60s: still cached at +30s.
	now = now.Add(30 * time.Second)
	_, err = c.RoundTrip(context.Background(), *q)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Expired past the clamped TTL.
	now = now.Add(31 * time.Second)
	_, err = c.RoundTrip(context.Background(), *q)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestCacheKeyIsCaseInsensitive(t *testing.T) {
	calls := 0
	rt := FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		calls++
		return answerFor(t, q, net.IPv4(192, 0, 2, 2), 600), nil
	})
	c := NewCache(rt, time.Minute, time.Hour)

	for _, name := range []string{"Mixed.Example.", "mixed.example."} {
		q, err := NewQuestion(name, dnsmessage.TypeA)
		require.NoError(t, err)
		_, err = c.RoundTrip(context.Background(), *q)
		require.NoError(t, err)
	}
	require.Equal(t, 1, calls)
}

func TestFakeIPStableAllocationAndReverseLookup(t *testing.T) {
	f := NewFakeIP(net.IPv4(198, 18, 0, 0), nil)

	ips1, err := f.ResolveIPv4(context.Background(), "a.example")
	require.NoError(t, err)
	ips2, err := f.ResolveIPv4(context.Background(), "a.example.")
	require.NoError(t, err)
	require.Equal(t, ips1, ips2, "same domain must reuse its allocation")

	other, err := f.ResolveIPv4(context.Background(), "b.example")
	require.NoError(t, err)
	require.NotEqual(t, ips1[0], other[0])

	name, ok := f.Lookup(ips1[0])
	require.True(t, ok)
	require.Equal(t, "a.example", name)

	require.True(t, f.Contains(ips1[0]))
	require.False(t, f.Contains(net.IPv4(8, 8, 8, 8)))
}

func TestFakeIPv6Allocation(t *testing.T) {
	f := NewFakeIP(nil, nil)
	ips, err := f.ResolveIPv6(context.Background(), "v6.example")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Nil(t, ips[0].To4())
	name, ok := f.Lookup(ips[0])
	require.True(t, ok)
	require.Equal(t, "v6.example", name)
}

func TestServerAnswersAQuery(t *testing.T) {
	f := NewFakeIP(net.IPv4(198, 18, 0, 0), nil)
	srv := &Server{Resolver: f, TTL: 5}

	var q dnsmessage.Message
	q.ID = 42
	q.RecursionDesired = true
	name, err := dnsmessage.NewName("a.example.")
	require.NoError(t, err)
	q.Questions = []dnsmessage.Question{{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}}
	query, err := q.Pack()
	require.NoError(t, err)

	respBytes, err := srv.ServeMessage(context.Background(), query)
	require.NoError(t, err)

	var resp dnsmessage.Message
	require.NoError(t, resp.Unpack(respBytes))
	require.True(t, resp.Response)
	require.Equal(t, uint16(42), resp.ID)
	require.Len(t, resp.Answers, 1)
	a, ok := resp.Answers[0].Body.(*dnsmessage.AResource)
	require.True(t, ok)

	got, ok := f.Lookup(net.IP(a.A[:]))
	require.True(t, ok)
	require.Equal(t, "a.example", got)
}

func TestServerServfailOnResolverError(t *testing.T) {
	srv := &Server{Resolver: failingResolver{}}

	var q dnsmessage.Message
	name, err := dnsmessage.NewName("down.example.")
	require.NoError(t, err)
	q.Questions = []dnsmessage.Question{{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}}
	query, err := q.Pack()
	require.NoError(t, err)

	respBytes, err := srv.ServeMessage(context.Background(), query)
	require.NoError(t, err)
	var resp dnsmessage.Message
	require.NoError(t, resp.Unpack(respBytes))
	require.Equal(t, dnsmessage.RCodeServerFailure, resp.RCode)
	require.Empty(t, resp.Answers)
}

type failingResolver struct{}

func (failingResolver) ResolveIPv4(ctx context.Context, name string) ([]net.IP, error) {
	return nil, context.DeadlineExceeded
}

func (failingResolver) ResolveIPv6(ctx context.Context, name string) ([]net.IP, error) {
	return nil, context.DeadlineExceeded
}
