// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nats provides the automation host sink over NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	"github.com/nats-io/nats.go"
)

const (
	// reconnect indefinitely.
	maxReconnects = -1

	defPrefix = "telemetry"
)

var _ telemetry.Sink = (*sink)(nil)

type sink struct {
	conn   *nats.Conn
	prefix string
}

// Config holds the NATS sink settings.
type Config struct {
	URL    string
	Prefix string
}

// New connects to a NATS cluster and returns a sink publishing entity
// updates on <prefix>.state.<vin>.<entity> and events on
// <prefix>.events.<vin>.<kind>.<name>.
func New(cfg Config) (telemetry.Sink, error) {
	conn, err := nats.Connect(cfg.URL, nats.MaxReconnects(maxReconnects))
	if err != nil {
		return nil, errors.Wrap(errors.New("failed to connect to NATS"), err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defPrefix
	}
	return &sink{conn: conn, prefix: cfg.Prefix}, nil
}

func (s *sink) UpdateEntity(_ context.Context, delta telemetry.EmissionDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.state.%s.%s", s.prefix, delta.VIN, delta.EntityKey)
	return s.conn.Publish(subject, data)
}

func (s *sink) ForwardEvent(_ context.Context, event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.events.%s.%s.%s", s.prefix, event.VIN, event.Kind, subjectToken(event.Name))
	return s.conn.Publish(subject, data)
}

func (s *sink) Close() error {
	s.conn.Close()
	return nil
}

// subjectToken rewrites an event name into a valid NATS subject token.
func subjectToken(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
