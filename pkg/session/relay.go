// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

var (
	// ErrHalfCloseUnsupported is returned for connections without CloseWrite.
	ErrHalfCloseUnsupported = errors.New("half-close not supported")

	// ErrRelayPanic marks a relay direction that panicked.
	ErrRelayPanic = errors.New("relay panic")
)

type relayResult struct {
	up   int64
	down int64
	err  error
}

// relay copies in both directions until both have finished.
func (s *Session) relay(ctx context.Context, remote *tls.Conn) relayResult {
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	var idle *idleTimer
	if s.route.IdleTimeout > 0 {
		idle = newIdleTimer(s.route.IdleTimeout, s.close)
		defer idle.stop()
	}

	var (
		wg             sync.WaitGroup
		up, down       int64
		upErr, downErr error
	)
	wg.Add(2)

	// Upstream: client → remote
	go func() {
		defer wg.Done()
		up, upErr = s.guard("upstream", func() (int64, error) {
			return s.pipe("upstream", remote, s.local, idle)
		})
	}()

	// Downstream: remote → client
	go func() {
		defer wg.Done()
		down, downErr = s.guard("downstream", func() (int64, error) {
			return s.pipe("downstream", s.local, remote, idle)
		})
	}()

	wg.Wait()

	res := relayResult{up: up, down: down}
	switch {
	case idle.expired():
		res.err = mterrors.ErrIdleTimeout
	case ctx.Err() != nil:
		res.err = ctx.Err()
	case errors.Is(upErr, ErrRelayPanic):
		res.err = upErr
	case errors.Is(downErr, ErrRelayPanic):
		res.err = downErr
	case upErr != nil:
		res.err = mterrors.Wrap(upErr, "upstream")
	case downErr != nil:
		res.err = mterrors.Wrap(downErr, "downstream")
	}
	return res
}

// guard runs one relay direction. A panic closes both connections so the
// other direction ends too.
func (s *Session) guard(dir string, fn func() (int64, error)) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrRelayPanic, dir, r)
			s.close()
		}
	}()
	return fn()
}

// pipe copies src into dst until src is drained or fails. On a clean end of
// stream it shuts down the write side of dst; the read side stays open for
// the opposite direction. After a failure dst is left to the session close.
func (s *Session) pipe(dir string, dst, src net.Conn, idle *idleTimer) (int64, error) {
	n, err := copyBuffer(&activityWriter{w: dst, idle: idle}, src)

	if err == nil {
		if cerr := closeWrite(dst); cerr != nil {
			s.logger.Debug("half-close failed",
				slog.String("direction", dir),
				slog.String("error", cerr.Error()))
		}
	}

	attrs := []any{
		slog.String("direction", dir),
		slog.Int64("bytes", n),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Debug("relay direction finished", attrs...)

	return n, err
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite signals end of stream on c without closing its read side.
// For TLS this sends close_notify and then shuts down the TCP write half.
func closeWrite(c net.Conn) error {
	if tc, ok := c.(*tls.Conn); ok {
		err := tc.CloseWrite()
		if cw, ok := tc.NetConn().(closeWriter); ok {
			if e := cw.CloseWrite(); err == nil {
				err = e
			}
		}
		return err
	}
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return ErrHalfCloseUnsupported
}

type activityWriter struct {
	w    io.Writer
	idle *idleTimer
}

func (a *activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.idle.touch()
	}
	return n, err
}

// idleTimer fires onIdle once no activity was seen for timeout. All
// methods are safe on a nil receiver.
type idleTimer struct {
	timeout time.Duration
	onIdle  func()
	last    atomic.Int64
	fired   atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

func newIdleTimer(timeout time.Duration, onIdle func()) *idleTimer {
	t := &idleTimer{timeout: timeout, onIdle: onIdle}
	t.touch()
	t.mu.Lock()
	t.timer = time.AfterFunc(timeout, t.check)
	t.mu.Unlock()
	return t
}

func (t *idleTimer) touch() {
	if t == nil {
		return
	}
	t.last.Store(time.Now().UnixNano())
}

func (t *idleTimer) check() {
	since := time.Since(time.Unix(0, t.last.Load()))
	if since >= t.timeout {
		t.fired.Store(true)
		t.onIdle()
		return
	}
	t.mu.Lock()
	t.timer.Reset(t.timeout - since)
	t.mu.Unlock()
}

func (t *idleTimer) stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.timer.Stop()
	t.mu.Unlock()
}

func (t *idleTimer) expired() bool {
	return t != nil && t.fired.Load()
}
