// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt provides the broker transport feeding the telemetry
// normalization pipeline.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

const qosAtLeastOnce byte = 1

var errSubscribeTimeout = errors.New("failed to subscribe due to timeout reached")

// Subscriber represents the vehicle telemetry broker.
type Subscriber interface {
	// Subscribe attaches the ingest pipeline to the given topic
	// filters.
	Subscribe(filters map[string]byte) error
}

type broker struct {
	svc     telemetry.Service
	client  mqtt.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewSubscriber returns an MQTT subscriber feeding the given service.
func NewSubscriber(svc telemetry.Service, client mqtt.Client, timeout time.Duration, logger *slog.Logger) Subscriber {
	return broker{
		svc:     svc,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

func (b broker) Subscribe(filters map[string]byte) error {
	token := b.client.SubscribeMultiple(filters, b.handleMsg)
	if ok := token.WaitTimeout(b.timeout); !ok {
		return errSubscribeTimeout
	}
	return token.Error()
}

// handleMsg is triggered on every message received on a subscribed
// topic. The paho client invokes it sequentially, which preserves
// per-vehicle ordering without extra synchronization.
func (b broker) handleMsg(_ mqtt.Client, msg mqtt.Message) {
	raw := telemetry.RawMessage{
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		ReceivedAt: time.Now(),
	}
	if err := b.svc.Ingest(context.Background(), raw); err != nil {
		b.logger.Warn(fmt.Sprintf("Failed to ingest message on topic %s: %s", msg.Topic(), err))
	}
}

// Topics returns the subscription filters covering one vehicle.
func Topics(base, vin string) map[string]byte {
	prefix := base + "/" + vin
	return map[string]byte{
		prefix + "/v/#":          qosAtLeastOnce,
		prefix + "/connectivity": qosAtLeastOnce,
		prefix + "/alerts/#":     qosAtLeastOnce,
		prefix + "/errors/#":     qosAtLeastOnce,
	}
}
