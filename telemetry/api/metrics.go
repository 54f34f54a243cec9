// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !test

package api

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

var _ telemetry.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     telemetry.Service
}

// MetricsMiddleware instruments core service by tracking request count
// and latency.
func MetricsMiddleware(svc telemetry.Service, counter metrics.Counter, latency metrics.Histogram) telemetry.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (ms *metricsMiddleware) Ingest(ctx context.Context, msg telemetry.RawMessage) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "ingest").Add(1)
		ms.latency.With("method", "ingest").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Ingest(ctx, msg)
}

func (ms *metricsMiddleware) TransportUp(ctx context.Context) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "transport_up").Add(1)
		ms.latency.With("method", "transport_up").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.TransportUp(ctx)
}

func (ms *metricsMiddleware) TransportDown(ctx context.Context) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "transport_down").Add(1)
		ms.latency.With("method", "transport_down").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.TransportDown(ctx)
}

func (ms *metricsMiddleware) Sweep(ctx context.Context, at time.Time) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "sweep").Add(1)
		ms.latency.With("method", "sweep").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Sweep(ctx, at)
}

func (ms *metricsMiddleware) ViewState(ctx context.Context, vin string) (telemetry.VehicleState, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "view_state").Add(1)
		ms.latency.With("method", "view_state").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.ViewState(ctx, vin)
}

func (ms *metricsMiddleware) ListVehicles(ctx context.Context) ([]telemetry.VehicleInfo, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "list_vehicles").Add(1)
		ms.latency.With("method", "list_vehicles").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.ListVehicles(ctx)
}

func (ms *metricsMiddleware) Close() error {
	defer func(begin time.Time) {
		ms.counter.With("method", "close").Add(1)
		ms.latency.With("method", "close").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Close()
}
