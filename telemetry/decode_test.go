// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binRecord(at time.Time, entries ...[]byte) []byte {
	b := []byte{1}
	var ms uint64
	if !at.IsZero() {
		ms = uint64(at.UnixMilli())
	}
	b = binary.BigEndian.AppendUint64(b, ms)
	b = binary.BigEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = append(b, e...)
	}
	return b
}

func binInt(num uint16, v int64) []byte {
	b := binary.BigEndian.AppendUint16(nil, num)
	b = append(b, 1)
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func binFloat(num uint16, v float64) []byte {
	b := binary.BigEndian.AppendUint16(nil, num)
	b = append(b, 2)
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

func binBool(num uint16, v bool) []byte {
	b := binary.BigEndian.AppendUint16(nil, num)
	b = append(b, 3)
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func binString(num uint16, s string) []byte {
	b := binary.BigEndian.AppendUint16(nil, num)
	b = append(b, 4)
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func binLocation(num uint16, lat, lon float64) []byte {
	b := binary.BigEndian.AppendUint16(nil, num)
	b = append(b, 5)
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(lat))
	return binary.BigEndian.AppendUint64(b, math.Float64bits(lon))
}

func binMsg(payload []byte, at time.Time) telemetry.RawMessage {
	return telemetry.RawMessage{
		Topic:      fmt.Sprintf("%s/%s/v/record", base, vin),
		Payload:    payload,
		ReceivedAt: at,
	}
}

func TestIngestBinary(t *testing.T) {
	svc, sink, _ := newService(t, telemetry.Config{Encoding: "binary"})

	obs := now.Add(-time.Minute)
	payload := binRecord(obs,
		binInt(3, 80),
		binString(8, "d"),
		binFloat(99, 1.5),
		binBool(11, true),
		binLocation(12, 41.39, 2.17),
	)

	require.Nil(t, svc.Ingest(context.Background(), binMsg(payload, now)))
	require.Nil(t, svc.Close())

	soc := sink.For(vin, "soc")
	require.Len(t, soc, 1, fmt.Sprintf("expected 1 delta got %d", len(soc)))
	assert.Equal(t, int64(80), soc[0].Value)
	assert.True(t, soc[0].ObservedAt.Equal(obs), "the record timestamp rides on every sample")

	gear := sink.For(vin, "gear")
	require.Len(t, gear, 1, fmt.Sprintf("expected 1 delta got %d", len(gear)))
	assert.Equal(t, "D", gear[0].Value, "binary strings go through coercion")

	unknown := sink.For(vin, "field_99")
	require.Len(t, unknown, 1, fmt.Sprintf("expected 1 delta got %d", len(unknown)))
	assert.Equal(t, 1.5, unknown[0].Value, "unknown field numbers land as generic entities")

	door := sink.For(vin, "charge_port_door_open")
	require.Len(t, door, 1, fmt.Sprintf("expected 1 delta got %d", len(door)))
	assert.Equal(t, true, door[0].Value)

	loc := sink.For(vin, "location")
	require.Len(t, loc, 1, fmt.Sprintf("expected 1 delta got %d", len(loc)))
	assert.Equal(t, telemetry.Location{Latitude: 41.39, Longitude: 2.17}, loc[0].Value)
}

func TestIngestBinaryReceiptTime(t *testing.T) {
	svc, sink, _ := newService(t, telemetry.Config{Encoding: "binary"})

	at := now.Add(5 * time.Second)
	require.Nil(t, svc.Ingest(context.Background(), binMsg(binRecord(time.Time{}, binInt(3, 80)), at)))
	require.Nil(t, svc.Close())

	soc := sink.For(vin, "soc")
	require.Len(t, soc, 1, fmt.Sprintf("expected 1 delta got %d", len(soc)))
	assert.True(t, soc[0].ObservedAt.Equal(at), "a zero record timestamp falls back to receipt time")
}

func TestIngestBinaryMalformed(t *testing.T) {
	badVersion := binRecord(now, binInt(3, 80))
	badVersion[0] = 2

	unknownWire := binRecord(now, append(binary.BigEndian.AppendUint16(nil, 3), 9))

	truncated := binRecord(now, binInt(3, 80))
	binary.BigEndian.PutUint16(truncated[9:11], 2)

	cases := []struct {
		desc    string
		payload []byte
		key     string
	}{
		{
			desc:    "ingest binary record shorter than its header",
			payload: []byte{1, 0, 0},
		},
		{
			desc:    "ingest binary record with unsupported version",
			payload: badVersion,
		},
		{
			desc:    "ingest binary entry with unknown wire type",
			payload: unknownWire,
		},
		{
			desc:    "ingest binary record truncated after the first entry",
			payload: truncated,
			key:     "soc",
		},
	}

	for _, tc := range cases {
		svc, sink, cnt := newService(t, telemetry.Config{Encoding: "binary"})

		err := svc.Ingest(context.Background(), binMsg(tc.payload, now))
		assert.True(t, errors.Contains(err, telemetry.ErrMalformedPayload), fmt.Sprintf("%s: expected %s got %s\n", tc.desc, telemetry.ErrMalformedPayload, err))
		assert.Equal(t, float64(1), cnt.decode.Value(), fmt.Sprintf("%s: expected one decode error", tc.desc))
		require.Nil(t, svc.Close(), fmt.Sprintf("%s: unexpected close error", tc.desc))

		if tc.key != "" {
			got := sink.For(vin, tc.key)
			require.Len(t, got, 1, fmt.Sprintf("%s: samples before the truncation still land", tc.desc))
		} else {
			assert.Empty(t, sink.Deltas(), fmt.Sprintf("%s: no deltas expected", tc.desc))
		}
	}
}
