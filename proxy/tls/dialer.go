// Copyright 2023 Jigsaw Operations LLC
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

// Package tls adapts crypto/tls.Client onto a flow.StreamOutboundFactory.
// flow.Stream already satisfies net.Conn, so tls.Client wraps it with no
// adapter shim at all.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/ytflow/ytflowcore/flow"
)

// ClientConfig is the handful of client TLS parameters a profile can
// set, translated into a crypto/tls.Config that replaces standard
// verification with an
// explicit VerifyConnection callback so ServerName (SNI) and
// CertificateName (verification name) can differ.
type ClientConfig struct {
	ServerName      string
	CertificateName string
	NextProtos      []string
	SessionCache    tls.ClientSessionCache
	// SkipCertCheck disables certificate verification entirely.
	SkipCertCheck bool
}

func (cfg *ClientConfig) toStdConfig() *tls.Config {
	certName := cfg.CertificateName
	if certName == "" {
		certName = cfg.ServerName
	}
	c := &tls.Config{
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		ClientSessionCache: cfg.SessionCache,
		InsecureSkipVerify: true,
	}
	if cfg.SkipCertCheck {
		return c
	}
	c.VerifyConnection = func(cs tls.ConnectionState) error {
		opts := x509.VerifyOptions{
			DNSName:       certName,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(opts)
		return err
	}
	return c
}

// StreamDialer is a flow.StreamOutboundFactory that wraps a lower
// outbound factory's connection in a TLS client handshake.
type StreamDialer struct {
	Lower  flow.StreamOutboundFactory
	Config ClientConfig
}

var _ flow.StreamOutboundFactory = (*StreamDialer)(nil)

func (d *StreamDialer) DialStream(ctx context.Context, dst flow.Destination, initialData []byte) (flow.Stream, []byte, error) {
	lower, _, err := d.Lower.DialStream(ctx, dst, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("tls: dial lower layer: %w", err)
	}
	cfg := d.Config
	if cfg.ServerName == "" {
		cfg.ServerName = dst.Host.String()
	}
	tlsConn := tls.Client(lower, cfg.toStdConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		lower.Close()
		return nil, nil, fmt.Errorf("tls: handshake: %w", err)
	}
	s := &tlsStream{Conn: tlsConn, lower: lower}
	if len(initialData) > 0 {
		if _, err := s.Write(initialData); err != nil {
			return nil, nil, err
		}
	}
	return s, nil, nil
}

// tlsStream adapts a *tls.Conn (which already implements net.Conn) to
// flow.Stream by splitting CloseWrite between the TLS close_notify and the
// lower transport's own half-close.
type tlsStream struct {
	*tls.Conn
	lower flow.Stream
}

var _ flow.Stream = (*tlsStream)(nil)

func (s *tlsStream) CloseWrite() error {
	return errors.Join(s.Conn.CloseWrite(), s.lower.CloseWrite())
}

func (s *tlsStream) CloseRead() error {
	return s.lower.CloseRead()
}
