// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main contains telemetry main function to start the telemetry
// service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/internal"
	"github.com/jjtortosa/seitor-tesla-telemetry/internal/env"
	"github.com/jjtortosa/seitor-tesla-telemetry/internal/server"
	httpserver "github.com/jjtortosa/seitor-tesla-telemetry/internal/server/http"
	stlog "github.com/jjtortosa/seitor-tesla-telemetry/logger"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/ticker"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/uuid"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry/api"
	httpapi "github.com/jjtortosa/seitor-tesla-telemetry/telemetry/api/http"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry/mqtt"
	httpsink "github.com/jjtortosa/seitor-tesla-telemetry/telemetry/sink/http"
	natssink "github.com/jjtortosa/seitor-tesla-telemetry/telemetry/sink/nats"
	"golang.org/x/sync/errgroup"
)

const (
	svcName        = "tesla-telemetry"
	envPrefixHTTP  = "SEITOR_TELEMETRY_HTTP_"
	defSvcHTTPPort = "9030"

	metricsNamespace = "tesla_telemetry"

	sinkHTTP = "http"
	sinkNATS = "nats"
)

type config struct {
	LogLevel      string        `env:"SEITOR_TELEMETRY_LOG_LEVEL"          envDefault:"info"`
	InstanceID    string        `env:"SEITOR_TELEMETRY_INSTANCE_ID"        envDefault:""`
	TopicBase     string        `env:"SEITOR_TELEMETRY_TOPIC_BASE"         envDefault:"tesla"`
	Encoding      string        `env:"SEITOR_TELEMETRY_ENCODING"           envDefault:"json"`
	VIN           string        `env:"SEITOR_TELEMETRY_VIN"                envDefault:""`
	VehicleName   string        `env:"SEITOR_TELEMETRY_VEHICLE_NAME"       envDefault:""`
	FleetFile     string        `env:"SEITOR_TELEMETRY_FLEET_FILE"         envDefault:""`
	SkewTolerance time.Duration `env:"SEITOR_TELEMETRY_SKEW_TOLERANCE"     envDefault:"2s"`
	SweepInterval time.Duration `env:"SEITOR_TELEMETRY_SWEEP_INTERVAL"     envDefault:"5s"`
	JointWindow   time.Duration `env:"SEITOR_TELEMETRY_JOINT_WINDOW"       envDefault:"0"`
	MQTTURL       string        `env:"SEITOR_TELEMETRY_MQTT_URL"           envDefault:"tcp://localhost:1883"`
	MQTTUsername  string        `env:"SEITOR_TELEMETRY_MQTT_USERNAME"      envDefault:""`
	MQTTPassword  string        `env:"SEITOR_TELEMETRY_MQTT_PASSWORD"      envDefault:""`
	MQTTTimeout   time.Duration `env:"SEITOR_TELEMETRY_MQTT_TIMEOUT"       envDefault:"30s"`
	MinBackoff    time.Duration `env:"SEITOR_TELEMETRY_MQTT_MIN_BACKOFF"   envDefault:"1s"`
	MaxBackoff    time.Duration `env:"SEITOR_TELEMETRY_MQTT_MAX_BACKOFF"   envDefault:"1m"`
	BackoffReset  time.Duration `env:"SEITOR_TELEMETRY_MQTT_BACKOFF_RESET" envDefault:"30s"`
	Sink          string        `env:"SEITOR_TELEMETRY_SINK"               envDefault:"http"`
	SinkURL       string        `env:"SEITOR_TELEMETRY_SINK_URL"           envDefault:"http://localhost:8123"`
	SinkToken     string        `env:"SEITOR_TELEMETRY_SINK_TOKEN"         envDefault:""`
	SinkPrefix    string        `env:"SEITOR_TELEMETRY_SINK_PREFIX"        envDefault:"telemetry"`
	SinkTimeout   time.Duration `env:"SEITOR_TELEMETRY_SINK_TIMEOUT"       envDefault:"10s"`
	SinkQueue     int           `env:"SEITOR_TELEMETRY_SINK_QUEUE"         envDefault:"1024"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	logger, err := stlog.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %s", err.Error())
	}

	var exitCode int
	defer stlog.ExitWithError(&exitCode)

	if cfg.InstanceID == "" {
		if cfg.InstanceID, err = uuid.New().ID(); err != nil {
			logger.Error(fmt.Sprintf("failed to generate instanceID: %s", err))
			exitCode = 1
			return
		}
	}

	if cfg.SweepInterval <= 0 {
		logger.Error("sweep interval must be positive")
		exitCode = 1
		return
	}

	httpServerConfig := server.Config{Port: defSvcHTTPPort}
	if err := env.Parse(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err))
		exitCode = 1
		return
	}

	registry := telemetry.NewRegistry()
	fleet, err := loadFleet(cfg, registry)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load fleet configuration: %s", err))
		exitCode = 1
		return
	}
	registry.OverrideJointWindow(cfg.JointWindow)

	sink, err := newSink(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to set up %s sink: %s", cfg.Sink, err))
		exitCode = 1
		return
	}

	svc, err := newService(cfg, registry, fleet, sink, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create %s service: %s", svcName, err))
		if err := sink.Close(); err != nil {
			logger.Error(fmt.Sprintf("failed to close sink: %s", err))
		}
		exitCode = 1
		return
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error(fmt.Sprintf("failed to close %s service: %s", svcName, err))
		}
	}()

	supervisor := mqtt.NewSupervisor(mqtt.SupervisorConfig{
		URL:          cfg.MQTTURL,
		Username:     cfg.MQTTUsername,
		Password:     cfg.MQTTPassword,
		ClientID:     fmt.Sprintf("%s-%s", svcName, cfg.InstanceID),
		Timeout:      cfg.MQTTTimeout,
		MinBackoff:   cfg.MinBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		BackoffReset: cfg.BackoffReset,
		TopicBase:    cfg.TopicBase,
		VINs:         fleetVINs(fleet),
	}, svc, logger)

	hs := httpserver.New(ctx, cancel, svcName, httpServerConfig, httpapi.MakeHandler(svc, logger, svcName, cfg.InstanceID), logger)

	g.Go(func() error {
		return supervisor.Run(ctx)
	})

	g.Go(func() error {
		return sweepLoop(ctx, svc, ticker.NewTicker(cfg.SweepInterval))
	})

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("Telemetry service terminated: %s", err))
	}
}

// loadFleet resolves the tracked vehicles from the fleet file and the
// single-vehicle environment settings, extending the field registry
// along the way.
func loadFleet(cfg config, registry *telemetry.Registry) ([]telemetry.VehicleIdentity, error) {
	var fleet []telemetry.VehicleIdentity

	if cfg.FleetFile != "" {
		fc, err := telemetry.LoadFleetFile(cfg.FleetFile)
		if err != nil {
			return nil, err
		}
		if err := registry.Merge(fc); err != nil {
			return nil, err
		}
		fleet = fc.Vehicles
	}

	if cfg.VIN != "" {
		fleet = append(fleet, telemetry.VehicleIdentity{VIN: cfg.VIN, Name: cfg.VehicleName})
	}

	return fleet, nil
}

func fleetVINs(fleet []telemetry.VehicleIdentity) []string {
	vins := make([]string, 0, len(fleet))
	for _, v := range fleet {
		vins = append(vins, v.VIN)
	}
	return vins
}

func newSink(cfg config) (telemetry.Sink, error) {
	switch cfg.Sink {
	case sinkHTTP:
		return httpsink.New(httpsink.Config{URL: cfg.SinkURL, Token: cfg.SinkToken, Timeout: cfg.SinkTimeout}), nil
	case sinkNATS:
		return natssink.New(natssink.Config{URL: cfg.SinkURL, Prefix: cfg.SinkPrefix})
	default:
		return nil, fmt.Errorf("unknown sink kind %s", cfg.Sink)
	}
}

func newService(cfg config, registry *telemetry.Registry, fleet []telemetry.VehicleIdentity, sink telemetry.Sink, logger *slog.Logger) (telemetry.Service, error) {
	counters := telemetry.Counters{
		DecodeErrors:    internal.MakeCounter(metricsNamespace, "pipeline", "decode_errors_total", "Number of messages that could not be decoded."),
		CoercionErrors:  internal.MakeCounter(metricsNamespace, "pipeline", "coercion_errors_total", "Number of samples incompatible with their field type."),
		StaleRejections: internal.MakeCounter(metricsNamespace, "pipeline", "stale_rejections_total", "Number of samples rejected as stale."),
		UnknownVehicle:  internal.MakeCounter(metricsNamespace, "pipeline", "unknown_vehicle_total", "Number of messages for unconfigured vehicles."),
		EmittedDeltas:   internal.MakeCounter(metricsNamespace, "pipeline", "emitted_deltas_total", "Number of entity updates emitted."),
		DroppedDeltas:   internal.MakeCounter(metricsNamespace, "pipeline", "dropped_deltas_total", "Number of entity updates dropped."),
		ForwardedEvents: internal.MakeCounter(metricsNamespace, "pipeline", "forwarded_events_total", "Number of vehicle events forwarded."),
	}

	svc, err := telemetry.New(telemetry.Config{
		TopicBase:     cfg.TopicBase,
		Encoding:      cfg.Encoding,
		Vehicles:      fleet,
		SkewTolerance: cfg.SkewTolerance,
		QueueSize:     cfg.SinkQueue,
	}, registry, sink, counters, logger)
	if err != nil {
		return nil, err
	}

	svc = api.LoggingMiddleware(svc, logger)
	counter, latency := internal.MakeMetrics(metricsNamespace, "api")
	svc = api.MetricsMiddleware(svc, counter, latency)

	return svc, nil
}

// sweepLoop periodically expires availability groups that stopped
// receiving samples.
func sweepLoop(ctx context.Context, svc telemetry.Service, tick ticker.Ticker) error {
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case at := <-tick.Tick():
			if err := svc.Sweep(ctx, at); err != nil {
				return err
			}
		}
	}
}
