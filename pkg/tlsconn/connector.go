// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsconn builds the outbound TLS client side of a tunnel.
//
// A Connector is created once per tunnel and shared by every session of
// that tunnel. It is immutable after construction and safe for concurrent
// handshakes.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoCertificates is returned when trust anchor bytes hold no certificate.
var ErrNoCertificates = errors.New("no certificates found")

// Connector performs TLS client handshakes for one tunnel.
type Connector struct {
	config   *tls.Config
	anchored bool
}

// New creates a Connector announcing serverName via SNI. A non-empty
// anchor (PEM or DER) extends the system trust store. An anchor that cannot
// be parsed is logged and ignored so the tunnel keeps the system store.
func New(serverName string, anchor []byte, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		logger.Warn("system trust store unavailable, using an empty pool",
			slog.String("error", err.Error()))
		roots = x509.NewCertPool()
	}

	anchored := false
	if len(anchor) > 0 {
		certs, err := ParseCertificates(anchor)
		if err != nil {
			logger.Warn("error loading trust anchor, continuing with default trust store",
				slog.String("sni", serverName),
				slog.String("error", err.Error()))
		} else {
			for _, c := range certs {
				roots.AddCert(c)
			}
			anchored = true
		}
	}

	return &Connector{
		config: &tls.Config{
			ServerName: serverName,
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		},
		anchored: anchored,
	}
}

// ServerName returns the SNI value sent on every handshake.
func (c *Connector) ServerName() string {
	return c.config.ServerName
}

// Anchored reports whether a trust anchor was added to the trust store.
func (c *Connector) Anchored() bool {
	return c.anchored
}

// Handshake runs the TLS client handshake over conn. On failure conn is
// left open; closing it stays with the caller.
func (c *Connector) Handshake(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	tc := tls.Client(conn, c.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// ParseCertificates decodes every certificate in data. PEM input may carry
// several CERTIFICATE blocks; anything else is parsed as DER.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid PEM certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	certs, err := x509.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("invalid DER certificate: %w", err)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}
