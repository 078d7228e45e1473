// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel turns configured forwarding rules into resolved,
// immutable tunnel definitions.
package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/absmach/mtunnel/pkg/config"
	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

// Definition is the resolved description of one tunnel. It is built once
// at startup and never mutated afterwards.
type Definition struct {
	// Name identifies the tunnel in logs and metrics.
	Name string

	// Listen is the local address plaintext clients connect to.
	Listen *net.TCPAddr

	// Remote is the TLS endpoint every session connects to.
	Remote *net.TCPAddr

	// SNI is the server name announced in the outbound handshake.
	SNI string

	// TrustAnchor holds optional certificate bytes extending the default
	// trust store. Nil when none is configured or it could not be read.
	TrustAnchor []byte

	// IdleTimeout closes a session after this long without traffic in
	// either direction. Zero disables it.
	IdleTimeout time.Duration
}

// Resolve resolves the addresses of t and loads its trust anchor. Address
// resolution failures are returned; a trust anchor that cannot be read is
// logged and dropped.
func Resolve(name string, t config.Tunnel, logger *slog.Logger) (Definition, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listen, err := net.ResolveTCPAddr("tcp", t.Listen)
	if err != nil {
		return Definition{}, mterrors.New("resolve", name, "", t.Listen, mterrors.Mark(mterrors.ErrResolve, err))
	}
	remote, err := net.ResolveTCPAddr("tcp", t.Remote)
	if err != nil {
		return Definition{}, mterrors.New("resolve", name, "", t.Remote, mterrors.Mark(mterrors.ErrResolve, err))
	}

	sni := t.SNIAddr
	if sni == "" {
		host, _, err := net.SplitHostPort(t.Remote)
		if err != nil {
			return Definition{}, mterrors.New("resolve", name, "", t.Remote, mterrors.Mark(mterrors.ErrInvalidConfig, err))
		}
		sni = host
	}

	var anchor []byte
	if t.SSLCert != "" {
		anchor, err = os.ReadFile(t.SSLCert)
		if err != nil {
			logger.Warn("error loading ssl cert, continuing with default trust store",
				slog.String("tunnel", name),
				slog.String("path", t.SSLCert),
				slog.String("error", err.Error()))
			anchor = nil
		}
	}

	return Definition{
		Name:        name,
		Listen:      listen,
		Remote:      remote,
		SNI:         sni,
		TrustAnchor: anchor,
		IdleTimeout: time.Duration(t.IdleTimeout),
	}, nil
}

// ResolveAll resolves every tunnel of f in name order. Tunnels that fail to
// resolve are logged and skipped. Two definitions resolving to the same
// bind address are rejected with ErrDuplicateListen.
func ResolveAll(f config.File, logger *slog.Logger) ([]Definition, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs := make([]Definition, 0, len(f.Tunnels))
	for _, name := range f.Names() {
		def, err := Resolve(name, f.Tunnels[name], logger)
		if err != nil {
			logger.Warn("tunnel dropped",
				slog.String("tunnel", name),
				slog.String("error", err.Error()))
			continue
		}
		logger.Debug("tunnel resolved",
			slog.String("tunnel", name),
			slog.String("listen", def.Listen.String()),
			slog.String("remote", def.Remote.String()),
			slog.String("sni", def.SNI))
		defs = append(defs, def)
	}

	if err := CheckDuplicates(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// CheckDuplicates returns ErrDuplicateListen if two definitions share a
// bind address. Port 0 requests an ephemeral port and never collides.
func CheckDuplicates(defs []Definition) error {
	owners := make(map[string]string, len(defs))
	for _, d := range defs {
		if d.Listen == nil || d.Listen.Port == 0 {
			continue
		}
		key := d.Listen.String()
		if prev, ok := owners[key]; ok {
			return fmt.Errorf("%w: %s used by tunnels %q and %q", mterrors.ErrDuplicateListen, key, prev, d.Name)
		}
		owners[key] = d.Name
	}
	return nil
}
