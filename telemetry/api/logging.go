// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !test

package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

var _ telemetry.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    telemetry.Service
}

// LoggingMiddleware adds logging facilities to the core service.
func LoggingMiddleware(svc telemetry.Service, logger *slog.Logger) telemetry.Service {
	return &loggingMiddleware{logger, svc}
}

func (lm *loggingMiddleware) Ingest(ctx context.Context, msg telemetry.RawMessage) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("topic", msg.Topic),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Ingest message failed to complete successfully", args...)
			return
		}
		lm.logger.Debug("Ingest message completed successfully", args...)
	}(time.Now())

	return lm.svc.Ingest(ctx, msg)
}

func (lm *loggingMiddleware) TransportUp(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Transport up failed to complete successfully", args...)
			return
		}
		lm.logger.Info("Transport up completed successfully", args...)
	}(time.Now())

	return lm.svc.TransportUp(ctx)
}

func (lm *loggingMiddleware) TransportDown(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Transport down failed to complete successfully", args...)
			return
		}
		lm.logger.Info("Transport down completed successfully", args...)
	}(time.Now())

	return lm.svc.TransportDown(ctx)
}

func (lm *loggingMiddleware) Sweep(ctx context.Context, at time.Time) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Time("at", at),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Sweep availability failed to complete successfully", args...)
			return
		}
		lm.logger.Debug("Sweep availability completed successfully", args...)
	}(time.Now())

	return lm.svc.Sweep(ctx, at)
}

func (lm *loggingMiddleware) ViewState(ctx context.Context, vin string) (state telemetry.VehicleState, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("vin", vin),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("View vehicle state failed to complete successfully", args...)
			return
		}
		lm.logger.Info("View vehicle state completed successfully", args...)
	}(time.Now())

	return lm.svc.ViewState(ctx, vin)
}

func (lm *loggingMiddleware) ListVehicles(ctx context.Context) (infos []telemetry.VehicleInfo, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List vehicles failed to complete successfully", args...)
			return
		}
		lm.logger.Info("List vehicles completed successfully", args...)
	}(time.Now())

	return lm.svc.ListVehicles(ctx)
}

func (lm *loggingMiddleware) Close() (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Close failed to complete successfully", args...)
			return
		}
		lm.logger.Info("Close completed successfully", args...)
	}(time.Now())

	return lm.svc.Close()
}
