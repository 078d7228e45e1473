// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/tlsconn"
	"github.com/google/uuid"
)

// Failure reasons reported in Outcome.Reason.
const (
	ReasonConnect = "connect"
	ReasonTLS     = "tls"
	ReasonRelay   = "relay"
	ReasonIdle    = "idle"
	ReasonPanic   = "panic"
)

// State is the terminal state of a session.
type State int

const (
	Running State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Route is the per-tunnel data shared read-only by all of its sessions.
type Route struct {
	// Name of the tunnel.
	Name string

	// Remote is the host:port of the TLS endpoint.
	Remote string

	// Connector performs the TLS handshake with the tunnel's SNI.
	Connector *tlsconn.Connector

	// IdleTimeout, when positive, closes sessions without traffic.
	IdleTimeout time.Duration
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State  State
	Reason string
	Err    error

	// BytesUp counts bytes relayed client → remote.
	BytesUp int64
	// BytesDown counts bytes relayed remote → client.
	BytesDown int64

	Handshake time.Duration
	Duration  time.Duration
}

// Session owns one accepted client connection and its remote peer.
type Session struct {
	ID     string
	route  *Route
	local  net.Conn
	remote net.Conn
	dialer Dialer
	logger *slog.Logger
}

// New creates a session for an accepted local connection.
func New(local net.Conn, route *Route, dialer Dialer, logger *slog.Logger) *Session {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	return &Session{
		ID:     id,
		route:  route,
		local:  local,
		dialer: dialer,
		logger: logger.With(
			slog.String("tunnel", route.Name),
			slog.String("session", id),
			slog.String("client", local.RemoteAddr().String())),
	}
}

// Run drives the session to completion and closes both connections.
// Cancelling ctx aborts the session.
func (s *Session) Run(ctx context.Context) (out Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = s.fail(ReasonPanic, fmt.Errorf("panic: %v", r))
		}
		s.close()
		out.Duration = time.Since(start)
		s.report(out)
	}()

	raw, err := s.dialer.DialContext(ctx, "tcp", s.route.Remote)
	if err != nil {
		return s.fail(ReasonConnect, mterrors.Mark(mterrors.ErrConnect, err))
	}
	s.remote = raw

	s.logger.Info("starting TLS connection",
		slog.String("remote", s.route.Remote),
		slog.String("sni", s.route.Connector.ServerName()))

	hsStart := time.Now()
	tc, err := s.route.Connector.Handshake(ctx, raw)
	if err != nil {
		out = s.fail(ReasonTLS, mterrors.Mark(mterrors.ErrHandshake, err))
		out.Handshake = time.Since(hsStart)
		return out
	}
	s.remote = tc
	hs := time.Since(hsStart)

	s.logger.Info("started tunneling",
		slog.String("remote", s.route.Remote),
		slog.String("tls_version", tls.VersionName(tc.ConnectionState().Version)),
		slog.Duration("handshake", hs))

	r := s.relay(ctx, tc)
	out = Outcome{
		State:     Completed,
		BytesUp:   r.up,
		BytesDown: r.down,
		Handshake: hs,
	}
	switch {
	case errors.Is(r.err, mterrors.ErrIdleTimeout):
		f := s.fail(ReasonIdle, r.err)
		out.State, out.Reason, out.Err = f.State, f.Reason, f.Err
	case errors.Is(r.err, ErrRelayPanic):
		f := s.fail(ReasonPanic, r.err)
		out.State, out.Reason, out.Err = f.State, f.Reason, f.Err
	case r.err != nil:
		f := s.fail(ReasonRelay, mterrors.Mark(mterrors.ErrRelay, r.err))
		out.State, out.Reason, out.Err = f.State, f.Reason, f.Err
	}
	return out
}

func (s *Session) fail(reason string, err error) Outcome {
	return Outcome{
		State:  Failed,
		Reason: reason,
		Err:    mterrors.New(reason, s.route.Name, s.ID, s.local.RemoteAddr().String(), err),
	}
}

func (s *Session) close() {
	s.local.Close()
	if s.remote != nil {
		s.remote.Close()
	}
}

func (s *Session) report(out Outcome) {
	attrs := []any{
		slog.String("outcome", out.State.String()),
		slog.Int64("bytes_up", out.BytesUp),
		slog.Int64("bytes_down", out.BytesDown),
		slog.Duration("duration", out.Duration),
	}
	if out.State == Failed {
		attrs = append(attrs,
			slog.String("reason", out.Reason),
			slog.String("error", out.Err.Error()))
		s.logger.Warn("session failed", attrs...)
		return
	}
	s.logger.Info("client disconnected", attrs...)
}
