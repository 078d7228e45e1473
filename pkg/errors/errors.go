// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mTunnel.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidConfig indicates a malformed tunnel configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicateListen indicates two tunnels claim the same bind address.
	ErrDuplicateListen = errors.New("duplicate listen address")

	// ErrResolve indicates a tunnel address could not be resolved.
	ErrResolve = errors.New("address resolution failed")

	// ErrNoListeners indicates that not a single tunnel could be bound.
	ErrNoListeners = errors.New("no tunnels to serve")

	// ErrConnect indicates the outbound TCP connection failed.
	ErrConnect = errors.New("connect failed")

	// ErrHandshake indicates the outbound TLS handshake failed.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrRelay indicates an I/O error while relaying bytes.
	ErrRelay = errors.New("relay failed")

	// ErrIdleTimeout indicates a session was closed for inactivity.
	ErrIdleTimeout = errors.New("idle timeout")
)

// TunnelError wraps an error with the tunnel and session it happened in.
type TunnelError struct {
	Op         string // Stage that failed (connect, tls, relay, bind, ...)
	Tunnel     string // Tunnel name
	SessionID  string // Session identifier, empty outside sessions
	RemoteAddr string // Client or listen address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Tunnel, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Tunnel, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError.
func New(op, tunnel, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		Tunnel:     tunnel,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Mark joins err with a sentinel kind so that errors.Is matches both.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}
