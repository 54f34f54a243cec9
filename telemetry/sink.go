// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Sink pushes normalized state to the automation host.
type Sink interface {
	// UpdateEntity sets the current value and availability of one
	// entity.
	UpdateEntity(ctx context.Context, delta EmissionDelta) error

	// ForwardEvent relays an out-of-band vehicle event.
	ForwardEvent(ctx context.Context, event Event) error

	// Close releases the sink resources.
	Close() error
}

// Counters groups the pipeline throughput and anomaly counters. Poison
// messages are counted here instead of stopping the pipeline.
type Counters struct {
	DecodeErrors    metrics.Counter
	CoercionErrors  metrics.Counter
	StaleRejections metrics.Counter
	UnknownVehicle  metrics.Counter
	EmittedDeltas   metrics.Counter
	DroppedDeltas   metrics.Counter
	ForwardedEvents metrics.Counter
}

// NopCounters returns counters that discard every value.
func NopCounters() Counters {
	return Counters{
		DecodeErrors:    discard.NewCounter(),
		CoercionErrors:  discard.NewCounter(),
		StaleRejections: discard.NewCounter(),
		UnknownVehicle:  discard.NewCounter(),
		EmittedDeltas:   discard.NewCounter(),
		DroppedDeltas:   discard.NewCounter(),
		ForwardedEvents: discard.NewCounter(),
	}
}
