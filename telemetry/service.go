// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
)

const (
	defTopicBase     = "tesla"
	defSkewTolerance = 2 * time.Second
	defQueueSize     = 1024
	defSinkRetries   = 3
	defRetryInterval = 100 * time.Millisecond

	deliverTimeout = 10 * time.Second
)

var (
	// ErrMalformedTopic indicates a topic outside the expected layout.
	ErrMalformedTopic = errors.New("malformed topic received")

	// ErrMalformedPayload indicates a payload that could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload received")

	// ErrCoercion indicates a decoded value incompatible with its
	// field type.
	ErrCoercion = errors.New("failed to coerce value to field type")

	// ErrMalformedIdentity indicates an invalid vehicle identity.
	ErrMalformedIdentity = errors.New("malformed vehicle identity")

	// ErrUnknownVehicle indicates a message for a VIN outside the
	// configured fleet.
	ErrUnknownVehicle = errors.New("message for unconfigured vehicle")

	// ErrFleetConfig indicates an unreadable fleet configuration file.
	ErrFleetConfig = errors.New("failed to load fleet configuration")

	// errStaleSample rejects samples older than the stored observation.
	// Rejections are counted, not reported.
	errStaleSample = errors.New("stale sample")
)

// Service normalizes raw per-vehicle telemetry into entity state and
// pushes the resulting updates to the automation host.
type Service interface {
	// Ingest decodes one transport message and folds it into the owning
	// vehicle's state.
	Ingest(ctx context.Context, msg RawMessage) error

	// TransportUp signals a (re)established broker connection. State
	// stays unavailable until fresh samples arrive.
	TransportUp(ctx context.Context) error

	// TransportDown marks every tracked entity unavailable immediately.
	TransportDown(ctx context.Context) error

	// Sweep demotes availability groups whose staleness window elapsed
	// as of the given instant.
	Sweep(ctx context.Context, at time.Time) error

	// ViewState returns the normalized state snapshot of one vehicle.
	ViewState(ctx context.Context, vin string) (VehicleState, error)

	// ListVehicles returns the configured fleet with an availability
	// summary per vehicle.
	ListVehicles(ctx context.Context) ([]VehicleInfo, error)

	// Close drains pending emissions and releases the sink.
	Close() error
}

// Config holds the pipeline settings.
type Config struct {
	// TopicBase is the first topic segment all subscriptions share.
	TopicBase string

	// Encoding selects the field payload decoder, json or binary.
	Encoding string

	// Vehicles is the fixed fleet to track.
	Vehicles []VehicleIdentity

	// SkewTolerance is how far behind the stored observation a sample
	// may be and still win.
	SkewTolerance time.Duration

	// QueueSize bounds the emission queue.
	QueueSize int

	// SinkRetries bounds delivery retries per update.
	SinkRetries uint64

	// RetryInterval seeds the delivery retry backoff.
	RetryInterval time.Duration
}

type outbound struct {
	delta *EmissionDelta
	event *Event
}

var _ Service = (*telemetryService)(nil)

type telemetryService struct {
	base     string
	decoder  decoder
	registry *Registry
	vehicles map[string]*vehicle
	order    []string

	sink          Sink
	counters      Counters
	logger        *slog.Logger
	sinkRetries   uint64
	retryInterval time.Duration

	emitCh chan outbound
	done   chan struct{}

	cmu    sync.RWMutex
	closed bool
}

// New returns a telemetry normalization service for the given fleet.
// The fleet is fixed for the lifetime of the service; removing a vehicle
// is a configuration change and a restart.
func New(cfg Config, registry *Registry, sink Sink, counters Counters, logger *slog.Logger) (Service, error) {
	if cfg.TopicBase == "" {
		cfg.TopicBase = defTopicBase
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Encoding != EncodingJSON && cfg.Encoding != EncodingBinary {
		return nil, errors.New("unsupported payload encoding " + cfg.Encoding)
	}
	if len(cfg.Vehicles) == 0 {
		return nil, errors.New("no vehicles configured")
	}
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = defSkewTolerance
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defQueueSize
	}
	if cfg.SinkRetries == 0 {
		cfg.SinkRetries = defSinkRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defRetryInterval
	}

	s := &telemetryService{
		base:          cfg.TopicBase,
		decoder:       decoder{registry: registry, binary: cfg.Encoding == EncodingBinary},
		registry:      registry,
		vehicles:      make(map[string]*vehicle, len(cfg.Vehicles)),
		sink:          sink,
		counters:      counters,
		logger:        logger,
		sinkRetries:   cfg.SinkRetries,
		retryInterval: cfg.RetryInterval,
		emitCh:        make(chan outbound, cfg.QueueSize),
		done:          make(chan struct{}),
	}

	for _, identity := range cfg.Vehicles {
		if err := identity.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.New(identity.VIN))
		}
		if _, ok := s.vehicles[identity.VIN]; ok {
			return nil, errors.Wrap(ErrMalformedIdentity, errors.New("duplicate vin "+identity.VIN))
		}
		s.vehicles[identity.VIN] = newVehicle(identity, registry, cfg.SkewTolerance)
		s.order = append(s.order, identity.VIN)
	}

	go s.emitLoop()

	return s, nil
}

func (s *telemetryService) Ingest(ctx context.Context, msg RawMessage) error {
	t, err := parseTopic(s.base, msg.Topic)
	if err != nil {
		s.counters.DecodeErrors.Add(1)
		return err
	}

	v, ok := s.vehicles[t.vin]
	if !ok {
		s.counters.UnknownVehicle.Add(1)
		return errors.Wrap(ErrUnknownVehicle, errors.New(t.vin))
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	switch t.kind {
	case topicAlert, topicError:
		ev := s.decoder.decodeEvent(t, msg.Payload, at)
		s.counters.ForwardedEvents.Add(1)
		s.enqueue(outbound{event: &ev})
		return nil
	case topicConnectivity:
		sample, connected, err := s.decoder.decodeConnectivity(t, msg.Payload, at)
		if err != nil {
			s.counters.DecodeErrors.Add(1)
			return err
		}
		deltas, err := v.applyConnectivity(sample, at, connected)
		if err != nil {
			s.counters.StaleRejections.Add(1)
			return nil
		}
		s.enqueueDeltas(deltas)
		return nil
	default:
		return s.ingestFields(v, t, msg.Payload, at)
	}
}

// ingestFields runs the decode, coerce and apply steps for a field
// message. Bad samples are counted and skipped so the rest of the batch
// still lands.
func (s *telemetryService) ingestFields(v *vehicle, t topicInfo, payload []byte, at time.Time) error {
	samples, err := s.decoder.decodeField(t, payload, at)
	if err != nil {
		s.counters.DecodeErrors.Add(1)
	}

	for _, sample := range samples {
		f := s.registry.FieldOrGeneric(sample.FieldName)
		value, cerr := s.registry.Coerce(f, sample.Value)
		if cerr != nil {
			s.counters.CoercionErrors.Add(1)
			if err == nil {
				err = cerr
			}
			continue
		}
		sample.Value = value

		deltas, aerr := v.apply(sample, at)
		if aerr != nil {
			s.counters.StaleRejections.Add(1)
			continue
		}
		s.enqueueDeltas(deltas)
	}

	return err
}

func (s *telemetryService) TransportUp(ctx context.Context) error {
	return nil
}

func (s *telemetryService) TransportDown(ctx context.Context) error {
	for _, vin := range s.order {
		s.enqueueDeltas(s.vehicles[vin].demoteAll())
	}
	return nil
}

func (s *telemetryService) Sweep(ctx context.Context, at time.Time) error {
	for _, vin := range s.order {
		s.enqueueDeltas(s.vehicles[vin].sweep(at))
	}
	return nil
}

func (s *telemetryService) ViewState(ctx context.Context, vin string) (VehicleState, error) {
	v, ok := s.vehicles[vin]
	if !ok {
		return VehicleState{}, errors.Wrap(errors.ErrNotFound, errors.New(vin))
	}
	return v.snapshot(), nil
}

func (s *telemetryService) ListVehicles(ctx context.Context) ([]VehicleInfo, error) {
	infos := make([]VehicleInfo, 0, len(s.order))
	for _, vin := range s.order {
		v := s.vehicles[vin]
		infos = append(infos, VehicleInfo{VIN: v.identity.VIN, Name: v.identity.Name, Available: v.available()})
	}
	return infos, nil
}

// Close stops accepting emissions, drains the queue and closes the
// sink. Safe to call more than once.
func (s *telemetryService) Close() error {
	s.cmu.Lock()
	if s.closed {
		s.cmu.Unlock()
		return nil
	}
	s.closed = true
	close(s.emitCh)
	s.cmu.Unlock()

	<-s.done

	return s.sink.Close()
}

func (s *telemetryService) enqueueDeltas(deltas []EmissionDelta) {
	for i := range deltas {
		s.counters.EmittedDeltas.Add(1)
		s.enqueue(outbound{delta: &deltas[i]})
	}
}

// enqueue hands an update to the emitter without ever blocking the
// ingest path. When the queue is full the newest update is dropped and
// counted.
func (s *telemetryService) enqueue(o outbound) {
	s.cmu.RLock()
	defer s.cmu.RUnlock()

	if s.closed {
		s.counters.DroppedDeltas.Add(1)
		return
	}

	select {
	case s.emitCh <- o:
	default:
		s.counters.DroppedDeltas.Add(1)
		s.logger.Warn("Emission queue full, dropping update")
	}
}

func (s *telemetryService) emitLoop() {
	defer close(s.done)
	for o := range s.emitCh {
		s.deliver(o)
	}
}

// deliver pushes one update to the sink with bounded retries. Delivery
// failures never propagate back to ingestion.
func (s *telemetryService) deliver(o outbound) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if o.delta != nil {
			return s.sink.UpdateEntity(ctx, *o.delta)
		}
		return s.sink.ForwardEvent(ctx, *o.event)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, s.sinkRetries)); err != nil {
		s.counters.DroppedDeltas.Add(1)
		if o.delta != nil {
			s.logger.Warn(fmt.Sprintf("Failed to push update %s/%s: %s", o.delta.VIN, o.delta.EntityKey, err))
			return
		}
		s.logger.Warn(fmt.Sprintf("Failed to forward %s %s for %s: %s", o.event.Kind, o.event.Name, o.event.VIN, err))
	}
}
