// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	svc, sink, _ := newService(t, telemetry.Config{})

	require.Nil(t, svc.Ingest(context.Background(), fieldMsg("VehicleSpeed", "65", now)))

	// The drive group goes stale after five minutes without samples.
	require.Nil(t, svc.Sweep(context.Background(), now.Add(6*time.Minute)))
	// A second sweep over an already demoted group must stay silent.
	require.Nil(t, svc.Sweep(context.Background(), now.Add(7*time.Minute)))

	require.Nil(t, svc.Ingest(context.Background(), fieldMsg("VehicleSpeed", "40", now.Add(8*time.Minute))))
	require.Nil(t, svc.Close())

	speed := sink.For(vin, "vehicle_speed")
	require.Len(t, speed, 3, fmt.Sprintf("expected 3 deltas got %d", len(speed)))
	assert.True(t, speed[0].Available)
	assert.False(t, speed[1].Available, "staleness expiry demotes the entity")
	assert.Equal(t, int64(65), speed[1].Value, "the last reading rides along with the demotion")
	assert.True(t, speed[2].Available, "a fresh sample revives the group")
	assert.Equal(t, int64(40), speed[2].Value)

	driving := sink.For(vin, "driving")
	require.Len(t, driving, 3, fmt.Sprintf("expected 3 deltas got %d", len(driving)))
	assert.False(t, driving[1].Available, "derived entities demote with their group")
	assert.True(t, driving[2].Available, "derived entities recompute on recovery")
}

func TestSweepGroupIsolation(t *testing.T) {
	svc, sink, _ := newService(t, telemetry.Config{})

	require.Nil(t, svc.Ingest(context.Background(), fieldMsg("VehicleSpeed", "65", now)))
	require.Nil(t, svc.Ingest(context.Background(), fieldMsg("Soc", "80", now)))

	// Six minutes is beyond the drive window and well within the charge
	// window.
	require.Nil(t, svc.Sweep(context.Background(), now.Add(6*time.Minute)))
	require.Nil(t, svc.Close())

	speed := sink.For(vin, "vehicle_speed")
	require.Len(t, speed, 2, fmt.Sprintf("expected 2 deltas got %d", len(speed)))
	assert.False(t, speed[1].Available)

	soc := sink.For(vin, "soc")
	require.Len(t, soc, 1, fmt.Sprintf("expected 1 delta got %d", len(soc)))
	assert.True(t, soc[0].Available, "other groups are untouched by the expiry")
}

func TestSweepSparesLinkGroup(t *testing.T) {
	svc, sink, _ := newService(t, telemetry.Config{})

	connect := telemetry.RawMessage{
		Topic:      fmt.Sprintf("%s/%s/connectivity", base, vin),
		Payload:    []byte(`{"ConnectionId": "c-1", "Status": "connected", "CreatedAt": "2024-01-15T10:00:00Z"}`),
		ReceivedAt: now,
	}
	require.Nil(t, svc.Ingest(context.Background(), connect))

	require.Nil(t, svc.Sweep(context.Background(), now.Add(48*time.Hour)))
	require.Nil(t, svc.Close())

	connected := sink.For(vin, "connected")
	require.Len(t, connected, 1, fmt.Sprintf("expected 1 delta got %d", len(connected)))
	assert.True(t, connected[0].Available, "the link entity never goes stale by time")
}

func TestSweepCustomThreshold(t *testing.T) {
	registry := telemetry.NewRegistry()
	err := registry.Merge(telemetry.FleetConfig{Groups: map[string]string{"drive": "30s"}})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	svc, sink, _ := newServiceWithRegistry(t, telemetry.Config{}, registry)

	require.Nil(t, svc.Ingest(context.Background(), fieldMsg("VehicleSpeed", "65", now)))
	require.Nil(t, svc.Sweep(context.Background(), now.Add(time.Minute)))
	require.Nil(t, svc.Close())

	speed := sink.For(vin, "vehicle_speed")
	require.Len(t, speed, 2, fmt.Sprintf("expected 2 deltas got %d", len(speed)))
	assert.False(t, speed[1].Available, "overridden windows drive the expiry")
}
