// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mtunnel/pkg/config"
	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/scheduler"
	"github.com/absmach/mtunnel/pkg/session"
	"github.com/absmach/mtunnel/pkg/tlsconn"
	"github.com/absmach/mtunnel/pkg/tunnel"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the server configuration.
type Config struct {
	// ShutdownTimeout is the maximum time to wait for active sessions to
	// finish during graceful shutdown. After this timeout, remaining
	// sessions are forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server and session events
	Logger *slog.Logger

	// Metrics receives listener and session metrics. When nil the server
	// registers its own metrics with a private registry.
	Metrics *metrics.Metrics

	// Dialer opens outbound connections. Defaults to net.Dialer.
	Dialer session.Dialer
}

type boundTunnel struct {
	def      tunnel.Definition
	route    *session.Route
	listener net.Listener
}

// Server accepts connections on every bound tunnel and runs a session for
// each. The set of tunnels is fixed once New returns.
type Server struct {
	config     Config
	metrics    *metrics.Metrics
	tunnels    []*boundTunnel
	sources    []*listenerSource
	sched      *scheduler.Scheduler[accepted]
	configured int
	wg         sync.WaitGroup
}

// New resolves and binds the tunnels of f. Tunnels that cannot be resolved
// or bound are logged and skipped. It fails with ErrNoListeners when no
// tunnel could be bound, and with ErrInvalidConfig or ErrDuplicateListen
// when f itself is invalid.
func New(cfg Config, f config.File) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New("mtunnel", prometheus.NewRegistry())
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	defs, err := tunnel.ResolveAll(f, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		metrics:    m,
		configured: len(f.Tunnels),
	}

	resolved := make(map[string]bool, len(defs))
	for _, def := range defs {
		resolved[def.Name] = true
	}
	for _, name := range f.Names() {
		if !resolved[name] {
			m.TunnelsDropped.WithLabelValues(name, "resolve").Inc()
			m.ListenerUp.WithLabelValues(name).Set(0)
		}
	}

	s.buildFrom(defs)
	if len(s.tunnels) == 0 {
		return nil, fmt.Errorf("%w: %d tunnels configured", mterrors.ErrNoListeners, s.configured)
	}

	s.sched = scheduler.New[accepted]()
	for _, t := range s.tunnels {
		src := newListenerSource(t)
		s.sources = append(s.sources, src)
		s.sched.Add(src)
	}

	return s, nil
}

// buildFrom builds each tunnel's connector and binds its listener.
func (s *Server) buildFrom(defs []tunnel.Definition) {
	for _, def := range defs {
		logger := s.config.Logger.With(slog.String("tunnel", def.Name))

		ln, err := net.ListenTCP("tcp", def.Listen)
		if err != nil {
			logger.Error("failed to bind listener",
				slog.String("address", def.Listen.String()),
				slog.String("error", err.Error()))
			s.metrics.TunnelsDropped.WithLabelValues(def.Name, "bind").Inc()
			s.metrics.ListenerUp.WithLabelValues(def.Name).Set(0)
			continue
		}

		route := &session.Route{
			Name:        def.Name,
			Remote:      def.Remote.String(),
			Connector:   tlsconn.New(def.SNI, def.TrustAnchor, logger),
			IdleTimeout: def.IdleTimeout,
		}
		s.tunnels = append(s.tunnels, &boundTunnel{
			def:      def,
			route:    route,
			listener: ln,
		})
		s.metrics.ListenerUp.WithLabelValues(def.Name).Set(1)

		logger.Info("tunnel listening",
			slog.String("address", ln.Addr().String()),
			slog.String("remote", route.Remote),
			slog.String("sni", def.SNI))
	}
}

// Bound returns the names of the bound tunnels.
func (s *Server) Bound() []string {
	names := make([]string, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		names = append(names, t.def.Name)
	}
	return names
}

// Counts reports how many tunnels are bound out of those configured.
func (s *Server) Counts() (bound, configured int) {
	return len(s.tunnels), s.configured
}

// Addrs returns the listen address of every bound tunnel.
func (s *Server) Addrs() map[string]net.Addr {
	addrs := make(map[string]net.Addr, len(s.tunnels))
	for _, t := range s.tunnels {
		addrs[t.def.Name] = t.listener.Addr()
	}
	return addrs
}

// Close closes every listener. It is only needed when Listen is never
// called.
func (s *Server) Close() error {
	var errs []error
	for _, t := range s.tunnels {
		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listen accepts connections on every bound tunnel and blocks until the
// context is cancelled. It implements graceful shutdown with session
// draining.
func (s *Server) Listen(ctx context.Context) error {
	// Sessions get their own context so shutdown controls when they are
	// forcefully closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	done := make(chan struct{})
	var accepters sync.WaitGroup
	for _, src := range s.sources {
		accepters.Add(1)
		go func(src *listenerSource) {
			defer accepters.Done()
			src.accept(s, done)
		}(src)
	}
	s.metrics.GoroutinesActive.WithLabelValues("accept").Set(float64(len(s.sources)))

	s.config.Logger.Info("tunnel server started", slog.Int("tunnels", len(s.tunnels)))

	var loopErr error
	for ctx.Err() == nil {
		a, err := s.sched.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				loopErr = fmt.Errorf("scheduler stopped: %w", err)
				s.config.Logger.Error("scheduler stopped", slog.String("error", err.Error()))
			}
			break
		}
		s.dispatch(connCtx, a)
	}

	s.config.Logger.Info("shutdown signal received, closing listeners")

	close(done)
	if err := s.Close(); err != nil {
		s.config.Logger.Error("error closing listeners", slog.String("error", err.Error()))
	}
	accepters.Wait()
	for _, src := range s.sources {
		src.discard()
	}
	for _, t := range s.tunnels {
		s.metrics.ListenerUp.WithLabelValues(t.def.Name).Set(0)
	}
	s.metrics.GoroutinesActive.WithLabelValues("accept").Set(0)

	// Wait for active sessions to drain with timeout
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.config.Logger.Info("all sessions closed gracefully")
		return loopErr
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-drained:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// dispatch starts a session for a and returns without waiting for it.
func (s *Server) dispatch(ctx context.Context, a accepted) {
	name := a.tunnel.def.Name
	s.metrics.AcceptedTotal.WithLabelValues(name).Inc()
	s.config.Logger.Info("accepted connection",
		slog.String("tunnel", name),
		slog.String("client", a.conn.RemoteAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metrics.ObserveSession(name, func() session.Outcome {
			return session.New(a.conn, a.tunnel.route, s.config.Dialer, s.config.Logger).Run(ctx)
		})
	}()
}
