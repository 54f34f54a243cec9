// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http provides the automation host sink over its REST API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

const (
	contentType  = "application/json"
	bearerPrefix = "Bearer "

	defTimeout = 10 * time.Second
)

// ErrPush indicates the automation host did not accept an update.
var ErrPush = errors.New("automation host rejected the update")

var _ telemetry.Sink = (*sink)(nil)

type sink struct {
	baseURL string
	token   string
	client  *http.Client
}

// Config holds the automation host endpoint settings.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// New returns a sink pushing entity updates to the automation host REST
// API.
func New(cfg Config) telemetry.Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defTimeout
	}
	return &sink{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *sink) UpdateEntity(ctx context.Context, delta telemetry.EmissionDelta) error {
	target := fmt.Sprintf("%s/api/v1/vehicles/%s/entities/%s", s.baseURL, delta.VIN, delta.EntityKey)
	return s.push(ctx, http.MethodPut, target, delta)
}

func (s *sink) ForwardEvent(ctx context.Context, event telemetry.Event) error {
	target := fmt.Sprintf("%s/api/v1/vehicles/%s/events/%s/%s", s.baseURL, event.VIN, event.Kind, url.PathEscape(event.Name))
	return s.push(ctx, http.MethodPost, target, event)
}

func (s *sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *sink) push(ctx context.Context, method, target string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(ErrPush, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(ErrPush, err)
	}
	req.Header.Set("Content-Type", contentType)
	if s.token != "" {
		req.Header.Set("Authorization", bearerPrefix+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrPush, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrap(ErrPush, errors.New(resp.Status+" "+strings.TrimSpace(string(msg))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
