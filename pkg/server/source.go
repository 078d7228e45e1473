// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mtunnel/pkg/scheduler"
)

const maxAcceptDelay = time.Second

type accepted struct {
	conn   net.Conn
	tunnel *boundTunnel
}

// listenerSource adapts a tunnel listener to scheduler.Source. An accept
// goroutine parks at most one connection in conns; the scheduler consumes
// it on its next pass.
type listenerSource struct {
	tunnel *boundTunnel
	conns  chan net.Conn
}

func newListenerSource(t *boundTunnel) *listenerSource {
	return &listenerSource{
		tunnel: t,
		conns:  make(chan net.Conn, 1),
	}
}

func (l *listenerSource) TryNext() (accepted, scheduler.Status) {
	select {
	case conn, ok := <-l.conns:
		if !ok {
			return accepted{}, scheduler.Exhausted
		}
		return accepted{conn: conn, tunnel: l.tunnel}, scheduler.Ready
	default:
		return accepted{}, scheduler.NotReady
	}
}

// accept runs until the listener is closed. Transient errors are retried
// with an increasing delay.
func (l *listenerSource) accept(s *Server, done <-chan struct{}) {
	defer s.sched.Wake()
	defer close(l.conns)

	name := l.tunnel.def.Name
	var delay time.Duration
	for {
		conn, err := l.tunnel.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.metrics.AcceptErrors.WithLabelValues(name).Inc()
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("tunnel", name),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()))
			select {
			case <-time.After(delay):
				continue
			case <-done:
				return
			}
		}
		delay = 0

		select {
		case l.conns <- conn:
			s.sched.Wake()
		case <-done:
			conn.Close()
			return
		}
	}
}

// discard closes connections accepted but never dispatched.
func (l *listenerSource) discard() {
	for conn := range l.conns {
		conn.Close()
	}
}
