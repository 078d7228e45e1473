// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrExhausted is returned by Next when every source is exhausted.
var ErrExhausted = errors.New("all sources exhausted")

// Status is the answer of a source to a poll.
type Status int

const (
	// NotReady means the source has nothing to deliver yet.
	NotReady Status = iota
	// Ready means the source delivered an item.
	Ready
	// Exhausted means the source will never deliver again.
	Exhausted
)

func (s Status) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Source is one pollable event source. TryNext must not block.
type Source[T any] interface {
	TryNext() (T, Status)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func() (T, Status)

// TryNext calls f.
func (f SourceFunc[T]) TryNext() (T, Status) {
	return f()
}

// Scheduler polls its sources in rotation. Poll and Next must be called
// from a single goroutine; Wake may be called from any goroutine.
type Scheduler[T any] struct {
	mu      sync.Mutex
	sources []Source[T]
	cursor  int
	wake    chan struct{}
}

// New creates a Scheduler over sources, polled in the given order.
func New[T any](sources ...Source[T]) *Scheduler[T] {
	return &Scheduler[T]{
		sources: append([]Source[T](nil), sources...),
		wake:    make(chan struct{}, 1),
	}
}

// Add appends a source. It joins the rotation on the next pass.
func (s *Scheduler[T]) Add(src Source[T]) {
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
	s.Wake()
}

// Len returns the number of sources that are not exhausted.
func (s *Scheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Wake signals that some source may have become ready.
func (s *Scheduler[T]) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Poll runs one scheduling pass. It returns Ready with the item of the
// first ready source, NotReady if no source had anything, and Exhausted
// once no sources remain.
func (s *Scheduler[T]) Poll() (T, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	n := len(s.sources)
	if n == 0 {
		return zero, Exhausted
	}

	var exhausted []bool
	next := s.cursor
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		item, st := s.sources[idx].TryNext()
		switch st {
		case Ready:
			next = idx + 1
			s.compact(exhausted, next)
			return item, Ready
		case Exhausted:
			if exhausted == nil {
				exhausted = make([]bool, n)
			}
			exhausted[idx] = true
		}
	}

	s.compact(exhausted, next)
	if len(s.sources) == 0 {
		return zero, Exhausted
	}
	return zero, NotReady
}

// compact drops exhausted sources and places the cursor on the first
// surviving source at or after position next.
func (s *Scheduler[T]) compact(exhausted []bool, next int) {
	if exhausted == nil {
		if n := len(s.sources); n > 0 {
			s.cursor = next % n
		}
		return
	}

	live := s.sources[:0]
	cursor := 0
	for i, src := range s.sources {
		if exhausted[i] {
			continue
		}
		if i < next {
			cursor++
		}
		live = append(live, src)
	}
	for i := len(live); i < len(s.sources); i++ {
		s.sources[i] = nil
	}
	s.sources = live

	if len(live) == 0 {
		s.cursor = 0
		return
	}
	s.cursor = cursor % len(live)
}

// Next blocks until a source delivers an item, all sources are exhausted
// or ctx is done.
func (s *Scheduler[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		item, st := s.Poll()
		switch st {
		case Ready:
			return item, nil
		case Exhausted:
			return zero, ErrExhausted
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
