// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler merges many independent event sources into one stream
// without starving any of them.
//
// # Overview
//
// A Scheduler holds an ordered set of Sources and a cursor. Every pass polls
// the sources starting at the cursor and wrapping around:
//
//	cursor, cursor+1, ..., n-1, 0, ..., cursor-1
//
// The first source that is Ready wins and the cursor moves just past it, so
// the next pass starts with its neighbour. Under sustained readiness of all
// n sources every source is picked at least once in any n consecutive picks.
//
// # Readiness
//
// Sources are polled, never blocked on. A source that has nothing to offer
// answers NotReady and must call Wake on the scheduler once it has. Wake is
// level-triggered and coalescing, so a wake issued between a pass and the
// wait that follows it is never lost.
//
// # Exhaustion
//
// A source that answers Exhausted is finished for good. It is dropped at
// the end of the pass that observed it, and the cursor is remapped onto the
// remaining sources. Next returns ErrExhausted once no source is left.
//
// # Example
//
//	s := scheduler.New[net.Conn](a, b, c)
//	for {
//		conn, err := s.Next(ctx)
//		if err != nil {
//			return err
//		}
//		go handle(conn)
//	}
package scheduler
