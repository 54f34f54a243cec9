// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
)

// Payload encodings supported on field topics.
const (
	EncodingJSON   = "json"
	EncodingBinary = "binary"
)

// Binary schema wire types.
const (
	binVersion      = 1
	binHeaderLen    = 11
	wireInt         = 1
	wireFloat       = 2
	wireBool        = 3
	wireString      = 4
	wireLocation    = 5
	wireLocationLen = 16
)

type decoder struct {
	registry *Registry
	binary   bool
}

// decodeField extracts field samples from one field-topic payload. A
// payload may carry a single value or a batched envelope, so more than
// one sample can come back. When decoding fails midway, the samples
// already extracted are returned together with the error.
func (d decoder) decodeField(t topicInfo, payload []byte, at time.Time) ([]DecodedSample, error) {
	if d.binary {
		return d.decodeBinary(t.vin, payload, at)
	}
	return d.decodeJSON(t, payload, at)
}

func (d decoder) decodeJSON(t topicInfo, payload []byte, at time.Time) ([]DecodedSample, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		// Producers publish enum values as plain text. Anything not
		// parseable as JSON is taken verbatim for textual fields and
		// rejected for the rest.
		f := d.registry.FieldOrGeneric(t.name)
		if f.Type != TypeString && f.Type != TypeGeneric {
			return nil, errors.Wrap(ErrMalformedPayload, err)
		}
		value := strings.TrimSpace(string(payload))
		if value == "" {
			return nil, errors.Wrap(ErrMalformedPayload, errors.New("empty payload"))
		}
		return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: value, ObservedAt: at}}, nil
	}

	switch val := raw.(type) {
	case map[string]interface{}:
		return d.decodeObject(t, val, at)
	case nil:
		return nil, nil
	default:
		return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: val, ObservedAt: at}}, nil
	}
}

func (d decoder) decodeObject(t topicInfo, obj map[string]interface{}, at time.Time) ([]DecodedSample, error) {
	if data, ok := obj["data"].([]interface{}); ok {
		return d.decodeEnvelope(t, obj, data, at)
	}

	if v, ok := obj["value"]; ok {
		obsAt := observedAt(obj, at)
		resolved, err := resolveValue(v)
		if err != nil {
			return nil, err
		}
		return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: resolved, ObservedAt: obsAt}}, nil
	}

	if v, ok, err := typedValue(obj); ok {
		if err != nil {
			return nil, err
		}
		return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: v, ObservedAt: observedAt(obj, at)}}, nil
	}

	if loc, ok := asLocation(obj); ok {
		return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: loc, ObservedAt: observedAt(obj, at)}}, nil
	}

	// Unrecognized object shapes ride through as structured values.
	return []DecodedSample{{VIN: t.vin, FieldName: t.name, Value: obj, ObservedAt: at}}, nil
}

// decodeEnvelope handles batched payloads holding a data array of
// key/value entries with a shared createdAt timestamp. Entries that
// cannot be resolved are skipped so one bad entry does not sink the
// whole batch.
func (d decoder) decodeEnvelope(t topicInfo, obj map[string]interface{}, data []interface{}, at time.Time) ([]DecodedSample, error) {
	obsAt := observedAt(obj, at)

	var samples []DecodedSample
	var failed error
	for _, entry := range data {
		m, ok := entry.(map[string]interface{})
		if !ok {
			failed = errors.Wrap(ErrMalformedPayload, errors.New("envelope entry is not an object"))
			continue
		}
		key, _ := m["key"].(string)
		if key == "" {
			failed = errors.Wrap(ErrMalformedPayload, errors.New("envelope entry without a key"))
			continue
		}
		v, err := resolveValue(m["value"])
		if err != nil {
			failed = err
			continue
		}
		samples = append(samples, DecodedSample{VIN: t.vin, FieldName: key, Value: v, ObservedAt: obsAt})
	}

	return samples, failed
}

// resolveValue unpacks a value that may itself be a typed object, a
// coordinate pair or a plain scalar.
func resolveValue(v any) (any, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		if v == nil {
			return nil, errors.Wrap(ErrMalformedPayload, errors.New("missing value"))
		}
		return v, nil
	}

	if tv, ok, err := typedValue(m); ok {
		return tv, err
	}
	if loc, ok := asLocation(m); ok {
		return loc, nil
	}

	return m, nil
}

// typedValue recognizes the producer's typed value objects, such as
// {"stringValue": "P"} or {"locationValue": {...}}. The invalid marker
// means the producer had no value to report.
func typedValue(m map[string]interface{}) (any, bool, error) {
	if inv, ok := m["invalid"].(bool); ok && inv {
		return nil, true, errors.Wrap(ErrMalformedPayload, errors.New("value marked invalid"))
	}

	if v, ok := m["stringValue"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, true, errors.Wrap(ErrMalformedPayload, errors.New("stringValue is not a string"))
		}
		return s, true, nil
	}
	for _, key := range []string{"doubleValue", "floatValue", "intValue", "longValue"} {
		if v, ok := m[key]; ok {
			n, isNum := v.(float64)
			if !isNum {
				return nil, true, errors.Wrap(ErrMalformedPayload, errors.New(key+" is not a number"))
			}
			return n, true, nil
		}
	}
	if v, ok := m["booleanValue"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, true, errors.Wrap(ErrMalformedPayload, errors.New("booleanValue is not a boolean"))
		}
		return b, true, nil
	}
	if v, ok := m["locationValue"]; ok {
		lm, isMap := v.(map[string]interface{})
		if isMap {
			if loc, ok := asLocation(lm); ok {
				return loc, true, nil
			}
		}
		return nil, true, errors.Wrap(ErrMalformedPayload, errors.New("locationValue is not a coordinate pair"))
	}

	return nil, false, nil
}

func asLocation(m map[string]interface{}) (Location, bool) {
	lat, okLat := m["latitude"].(float64)
	lon, okLon := m["longitude"].(float64)
	if !okLat || !okLon {
		return Location{}, false
	}
	return Location{Latitude: lat, Longitude: lon}, true
}

// observedAt resolves the sample timestamp from the payload, falling
// back to the broker receipt time.
func observedAt(obj map[string]interface{}, at time.Time) time.Time {
	for _, key := range []string{"createdAt", "timestamp"} {
		if v, ok := obj[key]; ok {
			if ts, ok := parseTimestamp(v); ok {
				return ts
			}
		}
	}
	return at
}

// parseTimestamp accepts RFC3339 strings and numeric epochs. Numbers
// above 1e12 are taken as milliseconds, anything else as seconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, true
		}
		return time.Time{}, false
	case float64:
		if ts <= 0 {
			return time.Time{}, false
		}
		if ts > 1e12 {
			return time.UnixMilli(int64(ts)).UTC(), true
		}
		sec, frac := math.Modf(ts)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// decodeBinary unpacks the compact record format used by
// bandwidth-constrained producers:
//
//	u8 version | u64 createdAt (epoch ms) | u16 count | count entries
//
// where each entry is u16 field number, u8 wire type and a type-sized
// value. Field numbers the registry does not know are surfaced as
// generic field_<number> samples.
func (d decoder) decodeBinary(vin string, payload []byte, at time.Time) ([]DecodedSample, error) {
	if len(payload) < binHeaderLen {
		return nil, errors.Wrap(ErrMalformedPayload, errors.New("binary record too short"))
	}
	if payload[0] != binVersion {
		return nil, errors.Wrap(ErrMalformedPayload, errors.New("unsupported binary schema version"))
	}

	obsAt := at
	if ms := binary.BigEndian.Uint64(payload[1:9]); ms > 0 {
		obsAt = time.UnixMilli(int64(ms)).UTC()
	}
	count := int(binary.BigEndian.Uint16(payload[9:11]))

	samples := make([]DecodedSample, 0, count)
	off := binHeaderLen
	for i := 0; i < count; i++ {
		if len(payload) < off+3 {
			return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
		}
		num := binary.BigEndian.Uint16(payload[off : off+2])
		wt := payload[off+2]
		off += 3

		var value any
		switch wt {
		case wireInt:
			if len(payload) < off+8 {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			value = int64(binary.BigEndian.Uint64(payload[off : off+8]))
			off += 8
		case wireFloat:
			if len(payload) < off+8 {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			value = math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+8]))
			off += 8
		case wireBool:
			if len(payload) < off+1 {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			value = payload[off] != 0
			off++
		case wireString:
			if len(payload) < off+2 {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			l := int(binary.BigEndian.Uint16(payload[off : off+2]))
			off += 2
			if len(payload) < off+l {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			value = string(payload[off : off+l])
			off += l
		case wireLocation:
			if len(payload) < off+wireLocationLen {
				return samples, errors.Wrap(ErrMalformedPayload, errors.New("truncated binary entry"))
			}
			value = Location{
				Latitude:  math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+8])),
				Longitude: math.Float64frombits(binary.BigEndian.Uint64(payload[off+8 : off+16])),
			}
			off += wireLocationLen
		default:
			return samples, errors.Wrap(ErrMalformedPayload, errors.New("unknown wire type"))
		}

		name := genericFieldName(num)
		if f, ok := d.registry.fieldByNumber(num); ok {
			name = f.Name
		}
		samples = append(samples, DecodedSample{VIN: vin, FieldName: name, Value: value, ObservedAt: obsAt})
	}

	return samples, nil
}

func genericFieldName(num uint16) string {
	return "field_" + strconv.Itoa(int(num))
}

// decodeConnectivity parses a producer link status message. The returned
// flag tells whether the producer reports itself connected.
func (d decoder) decodeConnectivity(t topicInfo, payload []byte, at time.Time) (DecodedSample, bool, error) {
	var body struct {
		ConnectionID string `json:"ConnectionId"`
		Status       string `json:"Status"`
		CreatedAt    string `json:"CreatedAt"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return DecodedSample{}, false, errors.Wrap(ErrMalformedPayload, err)
	}
	if body.Status == "" {
		return DecodedSample{}, false, errors.Wrap(ErrMalformedPayload, errors.New("connectivity message without status"))
	}

	obsAt := at
	if ts, ok := parseTimestamp(body.CreatedAt); ok {
		obsAt = ts
	}

	connected := strings.EqualFold(body.Status, "connected")
	sample := DecodedSample{VIN: t.vin, FieldName: FieldConnected, Value: connected, ObservedAt: obsAt}

	return sample, connected, nil
}

// decodeEvent turns an alert or error payload into a forwardable event.
// Payloads that are not JSON objects are wrapped as a message attribute
// so nothing the producer reports is lost.
func (d decoder) decodeEvent(t topicInfo, payload []byte, at time.Time) Event {
	kind := EventAlert
	if t.kind == topicError {
		kind = EventError
	}

	attrs := map[string]interface{}{}
	if err := json.Unmarshal(payload, &attrs); err != nil {
		attrs = map[string]interface{}{"message": strings.TrimSpace(string(payload))}
	}

	obsAt := at
	if v, ok := attrs["createdAt"]; ok {
		if ts, ok := parseTimestamp(v); ok {
			obsAt = ts
		}
	}

	return Event{VIN: t.vin, Kind: kind, Name: t.name, Payload: attrs, ObservedAt: obsAt}
}
