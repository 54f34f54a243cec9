// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	sinkhttp "github.com/jjtortosa/seitor-tesla-telemetry/telemetry/sink/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vin   = "5YJ3E1EA7KF000316"
	token = "host-token"
)

type captured struct {
	mu          sync.Mutex
	method      string
	path        string
	auth        string
	contentType string
	body        []byte
}

func newHost(status int) (*httptest.Server, *captured) {
	c := &captured{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.method = r.Method
		c.path = r.URL.Path
		c.auth = r.Header.Get("Authorization")
		c.contentType = r.Header.Get("Content-Type")
		c.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
	}))

	return ts, c
}

func TestUpdateEntity(t *testing.T) {
	ts, c := newHost(http.StatusNoContent)
	defer ts.Close()

	s := sinkhttp.New(sinkhttp.Config{URL: ts.URL + "/", Token: token})
	defer s.Close()

	delta := telemetry.EmissionDelta{
		VIN:        vin,
		EntityKey:  "vehicle_speed",
		Value:      int64(65),
		Available:  true,
		ObservedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	err := s.UpdateEntity(context.Background(), delta)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	assert.Equal(t, http.MethodPut, c.method)
	assert.Equal(t, fmt.Sprintf("/api/v1/vehicles/%s/entities/vehicle_speed", vin), c.path)
	assert.Equal(t, "Bearer "+token, c.auth)
	assert.Equal(t, "application/json", c.contentType)

	var got telemetry.EmissionDelta
	require.Nil(t, json.Unmarshal(c.body, &got), "unexpected body decode error")
	assert.Equal(t, vin, got.VIN)
	assert.Equal(t, "vehicle_speed", got.EntityKey)
	assert.Equal(t, float64(65), got.Value)
	assert.True(t, got.Available)
}

func TestForwardEvent(t *testing.T) {
	ts, c := newHost(http.StatusCreated)
	defer ts.Close()

	s := sinkhttp.New(sinkhttp.Config{URL: ts.URL, Token: token})
	defer s.Close()

	event := telemetry.Event{
		VIN:        vin,
		Kind:       telemetry.EventAlert,
		Name:       "DoorAjar",
		Payload:    map[string]interface{}{"severity": "low"},
		ObservedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	err := s.ForwardEvent(context.Background(), event)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, fmt.Sprintf("/api/v1/vehicles/%s/events/alert/DoorAjar", vin), c.path)

	var got telemetry.Event
	require.Nil(t, json.Unmarshal(c.body, &got), "unexpected body decode error")
	assert.Equal(t, "DoorAjar", got.Name)
	assert.Equal(t, "low", got.Payload["severity"])
}

func TestPushRejection(t *testing.T) {
	ts, _ := newHost(http.StatusBadGateway)
	defer ts.Close()

	s := sinkhttp.New(sinkhttp.Config{URL: ts.URL})
	defer s.Close()

	err := s.UpdateEntity(context.Background(), telemetry.EmissionDelta{VIN: vin, EntityKey: "soc"})
	assert.True(t, errors.Contains(err, sinkhttp.ErrPush), fmt.Sprintf("expected %s got %s\n", sinkhttp.ErrPush, err))
}

func TestPushUnreachable(t *testing.T) {
	ts, _ := newHost(http.StatusOK)
	ts.Close()

	s := sinkhttp.New(sinkhttp.Config{URL: ts.URL, Timeout: time.Second})
	defer s.Close()

	err := s.UpdateEntity(context.Background(), telemetry.EmissionDelta{VIN: vin, EntityKey: "soc"})
	assert.True(t, errors.Contains(err, sinkhttp.ErrPush), fmt.Sprintf("expected %s got %s\n", sinkhttp.ErrPush, err))
}
