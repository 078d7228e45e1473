// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session runs one accepted client connection through a tunnel.
//
// # Pipeline
//
// Every session walks the same stages, strictly in order:
//
//  1. Connect: dial the tunnel's remote TCP address
//  2. Handshake: TLS client handshake with the tunnel's SNI
//  3. Relay: two goroutines copy bytes, one per direction
//  4. Half-close: a direction that reads EOF shuts down the write side of
//     its destination and leaves the opposite direction running
//
// A failed connect or handshake ends the session with reason "connect" or
// "tls". Relay errors end only the direction they happen in; the session is
// done when both directions are.
//
// # Half-close
//
//	client ──► local ══ upstream ══► tls ──► remote
//	client ◄── local ◄═ downstream ═ tls ◄── remote
//
// When the client stops sending, upstream sends close_notify and a FIN to
// the remote, while downstream keeps delivering the response until the
// remote finishes too.
//
// # Isolation
//
// Run never returns an error and recovers panics. Its Outcome is logged
// with the tunnel name, session ID and client address.
package session
