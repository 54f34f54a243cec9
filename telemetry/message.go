// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"strings"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
)

const vinLength = 17

// RawMessage is one transport message as received from the broker.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// DecodedSample is a single field observation extracted from a raw
// message, before type coercion.
type DecodedSample struct {
	VIN        string
	FieldName  string
	Value      any
	ObservedAt time.Time
}

// EmissionDelta is one entity update pushed to the automation host.
type EmissionDelta struct {
	VIN        string    `json:"vin"`
	EntityKey  string    `json:"entity_key"`
	Value      any       `json:"value"`
	Available  bool      `json:"available"`
	ObservedAt time.Time `json:"observed_at"`
}

// Event is an out-of-band vehicle alert or error forwarded to the
// automation host without touching entity state.
type Event struct {
	VIN        string                 `json:"vin"`
	Kind       string                 `json:"kind"`
	Name       string                 `json:"name"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ObservedAt time.Time              `json:"observed_at"`
}

// Event kinds.
const (
	EventAlert = "alert"
	EventError = "error"
)

// VehicleIdentity names one vehicle of the configured fleet.
type VehicleIdentity struct {
	VIN  string `toml:"vin" json:"vin"`
	Name string `toml:"name" json:"name"`
}

// Validate checks the identity is complete and the VIN well formed.
func (v VehicleIdentity) Validate() error {
	if len(v.VIN) != vinLength {
		return errors.Wrap(ErrMalformedIdentity, errors.New("vin must be 17 characters"))
	}
	for _, r := range v.VIN {
		valid := (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z')
		if !valid || r == 'I' || r == 'O' || r == 'Q' {
			return errors.Wrap(ErrMalformedIdentity, errors.New("vin contains invalid characters"))
		}
	}
	return nil
}

// VehicleInfo is the fleet listing view of one vehicle.
type VehicleInfo struct {
	VIN       string `json:"vin"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// FieldState is the normalized view of one entity.
type FieldState struct {
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Available  bool      `json:"available"`
	ObservedAt time.Time `json:"observed_at"`
}

// VehicleState is the full normalized state snapshot of one vehicle,
// keyed by entity key.
type VehicleState struct {
	VIN    string                `json:"vin"`
	Name   string                `json:"name"`
	Fields map[string]FieldState `json:"fields"`
}

type topicKind int

const (
	topicField topicKind = iota
	topicConnectivity
	topicAlert
	topicError
)

type topicInfo struct {
	vin  string
	kind topicKind
	name string
}

// parseTopic splits a broker topic into the owning VIN and the message
// class. Field topics use the last segment as the field name, so nested
// producer topics keep working.
func parseTopic(base, topic string) (topicInfo, error) {
	if !strings.HasPrefix(topic, base+"/") {
		return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
	}

	parts := strings.Split(strings.TrimPrefix(topic, base+"/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
	}
	vin := parts[0]

	switch parts[1] {
	case "v":
		if len(parts) < 3 || parts[len(parts)-1] == "" {
			return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
		}
		return topicInfo{vin: vin, kind: topicField, name: parts[len(parts)-1]}, nil
	case "connectivity":
		return topicInfo{vin: vin, kind: topicConnectivity, name: FieldConnected}, nil
	case "alerts":
		if len(parts) < 3 || parts[len(parts)-1] == "" {
			return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
		}
		return topicInfo{vin: vin, kind: topicAlert, name: parts[len(parts)-1]}, nil
	case "errors":
		if len(parts) < 3 || parts[len(parts)-1] == "" {
			return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
		}
		return topicInfo{vin: vin, kind: topicError, name: parts[len(parts)-1]}, nil
	default:
		return topicInfo{}, errors.Wrap(ErrMalformedTopic, errors.New(topic))
	}
}
