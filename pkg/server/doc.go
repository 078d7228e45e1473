// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server binds one listener per tunnel and dispatches accepted
// connections to tunnel sessions.
//
// # Overview
//
//	┌────────┐          ┌──────────┐           ┌────────┐
//	│ Client │ ←─TCP──→ │  Server  │ ←─TLS───→ │ Remote │
//	└────────┘          └──────────┘           └────────┘
//	                         ↑
//	                  ┌──────────────┐
//	                  │  Scheduler   │ ← one source per listener
//	                  └──────────────┘
//
// # Startup
//
// New resolves every configured tunnel, builds its TLS connector once and
// binds its listener. Tunnels that fail to resolve or bind are logged and
// left out; the rest keep serving. If no tunnel is bound New returns
// ErrNoListeners.
//
// # Accepting
//
// Each listener feeds an accept goroutine that hands connections to a
// scheduler source. Listen pulls accepted connections from the scheduler,
// which rotates its starting source on every pick, and starts a session
// for each without waiting for it.
//
// # Graceful Shutdown
//
// When the context passed to Listen is cancelled:
//
//  1. All listeners are closed
//  2. Running sessions get ShutdownTimeout to finish
//  3. Remaining sessions are forcefully closed
//  4. ErrShutdownTimeout is returned if the timeout was exceeded
package server
