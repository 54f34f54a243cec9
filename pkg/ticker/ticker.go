// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ticker abstracts periodic wake-ups, such as the availability
// sweep schedule, so loops can be driven manually in tests.
package ticker

import "time"

// Ticker delivers the wall-clock instants a periodic task runs at.
type Ticker interface {
	Tick() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

// NewTicker returns a Ticker backed by the runtime clock.
func NewTicker(d time.Duration) Ticker {
	return &timeTicker{time.NewTicker(d)}
}

func (t *timeTicker) Tick() <-chan time.Time {
	return t.C
}
