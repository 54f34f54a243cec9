// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

const (
	defTimeout      = 30 * time.Second
	defMinBackoff   = time.Second
	defMaxBackoff   = time.Minute
	defBackoffReset = 30 * time.Second

	// quiesce is how long Disconnect waits for in-flight work, in ms.
	quiesce = 250
)

// SupervisorConfig holds the broker connection settings.
type SupervisorConfig struct {
	URL          string
	Username     string
	Password     string
	ClientID     string
	Timeout      time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	BackoffReset time.Duration
	TopicBase    string
	VINs         []string
}

// Supervisor owns the broker connection lifecycle. It dials with
// jittered exponential backoff, subscribes the ingest pipeline, watches
// for connection loss and reconnects until the context is canceled.
// Reconnecting alone never revives entity availability, that takes
// fresh samples.
type Supervisor struct {
	cfg    SupervisorConfig
	svc    telemetry.Service
	logger *slog.Logger
}

// NewSupervisor returns a connection supervisor for the given service.
func NewSupervisor(cfg SupervisorConfig, svc telemetry.Service, logger *slog.Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defMaxBackoff
	}
	if cfg.BackoffReset <= 0 {
		cfg.BackoffReset = defBackoffReset
	}
	return &Supervisor{cfg: cfg, svc: svc, logger: logger}
}

// Run blocks, supervising the connection, until ctx is canceled. On
// shutdown the tracked entities are demoted so the automation host is
// not left believing stale state.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		lost := make(chan error, 1)
		client, err := s.connect(ctx, bo, lost)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.svc.TransportUp(ctx); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to signal transport up: %s", err))
		}
		connectedAt := time.Now()

		select {
		case <-ctx.Done():
			client.Disconnect(quiesce)
			if err := s.svc.TransportDown(context.Background()); err != nil {
				s.logger.Warn(fmt.Sprintf("Failed to demote entities on shutdown: %s", err))
			}
			return nil
		case cause := <-lost:
			s.logger.Error(fmt.Sprintf("Broker connection lost: %s", cause))
			if err := s.svc.TransportDown(ctx); err != nil {
				s.logger.Warn(fmt.Sprintf("Failed to demote entities: %s", err))
			}
			// Connections that lived long enough earn a fresh backoff,
			// flapping ones keep escalating.
			if time.Since(connectedAt) >= s.cfg.BackoffReset {
				bo.Reset()
			}
		}
	}
}

// connect dials and subscribes, retrying with backoff until it succeeds
// or the context is canceled. Every attempt uses a fresh client so no
// half-open state leaks between tries.
func (s *Supervisor) connect(ctx context.Context, bo backoff.BackOff, lost chan<- error) (mqtt.Client, error) {
	var client mqtt.Client

	operation := func() error {
		opts := mqtt.NewClientOptions().
			AddBroker(s.cfg.URL).
			SetUsername(s.cfg.Username).
			SetPassword(s.cfg.Password).
			SetClientID(s.cfg.ClientID).
			SetConnectTimeout(s.cfg.Timeout).
			SetAutoReconnect(false).
			SetConnectionLostHandler(func(_ mqtt.Client, cause error) {
				select {
				case lost <- cause:
				default:
				}
			})

		c := mqtt.NewClient(opts)
		if token := c.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}

		sub := NewSubscriber(s.svc, c, s.cfg.Timeout, s.logger)
		if err := sub.Subscribe(s.filters()); err != nil {
			c.Disconnect(quiesce)
			return err
		}

		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn(fmt.Sprintf("Broker not ready: %s, next try in %s", err, next))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}

	s.logger.Info(fmt.Sprintf("Connected to MQTT broker %s", s.cfg.URL))
	return client, nil
}

func (s *Supervisor) filters() map[string]byte {
	filters := make(map[string]byte, 4*len(s.cfg.VINs))
	for _, vin := range s.cfg.VINs {
		for topic, qos := range Topics(s.cfg.TopicBase, vin) {
			filters[topic] = qos
		}
	}
	return filters
}
