// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mocks provides mocks for the telemetry service dependencies.
package mocks

import (
	"context"
	"sync"

	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

var _ telemetry.Sink = (*Sink)(nil)

// Sink is a thread-safe in-memory telemetry.Sink recording everything
// pushed through it.
type Sink struct {
	mu     sync.Mutex
	deltas []telemetry.EmissionDelta
	events []telemetry.Event
	fail   error
	closed bool
}

// NewSink returns a recording sink.
func NewSink() *Sink {
	return &Sink{}
}

// Fail makes every subsequent push return the given error. Passing nil
// restores normal operation.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Sink) UpdateEntity(_ context.Context, delta telemetry.EmissionDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.deltas = append(s.deltas, delta)
	return nil
}

func (s *Sink) ForwardEvent(_ context.Context, event telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Deltas returns a copy of the recorded entity updates.
func (s *Sink) Deltas() []telemetry.EmissionDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.EmissionDelta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// For returns a copy of the recorded updates of a single entity.
func (s *Sink) For(vin, entityKey string) []telemetry.EmissionDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.EmissionDelta
	for _, d := range s.deltas {
		if d.VIN == vin && d.EntityKey == entityKey {
			out = append(out, d)
		}
	}
	return out
}

// Events returns a copy of the recorded events.
func (s *Sink) Events() []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
