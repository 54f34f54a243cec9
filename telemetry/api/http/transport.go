// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the fleet state query API together with the
// health check and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	seitor "github.com/jjtortosa/seitor-tesla-telemetry"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/apiutil"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/go-zoo/bone"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const contentType = "application/json"

// MakeHandler returns a HTTP handler for API endpoints.
func MakeHandler(svc telemetry.Service, logger *slog.Logger, svcName, instanceID string) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, encodeError)),
	}

	r := bone.New()

	r.Get("/vehicles", kithttp.NewServer(
		listVehiclesEndpoint(svc),
		decodeListVehicles,
		encodeResponse,
		opts...,
	))

	r.Get("/vehicles/:vin", kithttp.NewServer(
		viewStateEndpoint(svc),
		decodeViewState,
		encodeResponse,
		opts...,
	))

	r.GetFunc("/health", seitor.Health(svcName, instanceID))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func decodeViewState(_ context.Context, r *http.Request) (interface{}, error) {
	req := viewStateReq{
		vin: bone.GetValue(r, "vin"),
	}

	return req, nil
}

func decodeListVehicles(_ context.Context, r *http.Request) (interface{}, error) {
	return listVehiclesReq{}, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", contentType)

	if ar, ok := response.(seitor.Response); ok {
		for k, v := range ar.Headers() {
			w.Header().Set(k, v)
		}

		w.WriteHeader(ar.Code())

		if ar.Empty() {
			return nil
		}
	}

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	var wrapper error
	if errors.Contains(err, apiutil.ErrValidation) {
		wrapper, err = errors.Unwrap(err)
	}

	w.Header().Set("Content-Type", contentType)
	switch {
	case errors.Contains(err, errors.ErrMalformedEntity),
		errors.Contains(err, apiutil.ErrMissingID),
		errors.Contains(err, apiutil.ErrInvalidVIN),
		errors.Contains(err, apiutil.ErrInvalidQueryParams):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Contains(err, errors.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	if wrapper != nil {
		err = errors.Wrap(wrapper, err)
	}

	if errorVal, ok := err.(errors.Error); ok {
		if err := json.NewEncoder(w).Encode(errorVal); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}
