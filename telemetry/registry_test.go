// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	registry := telemetry.NewRegistry()

	cases := []struct {
		desc  string
		field string
		value any
		want  any
		err   error
	}{
		{
			desc:  "coerce int from json number",
			field: telemetry.FieldVehicleSpeed,
			value: float64(65),
			want:  int64(65),
		},
		{
			desc:  "coerce int from fractional number",
			field: telemetry.FieldVehicleSpeed,
			value: 64.7,
			want:  int64(65),
		},
		{
			desc:  "coerce int from numeric string",
			field: telemetry.FieldSoc,
			value: "80",
			want:  int64(80),
		},
		{
			desc:  "coerce int from non numeric string",
			field: telemetry.FieldSoc,
			value: "full",
			err:   telemetry.ErrCoercion,
		},
		{
			desc:  "coerce float from json number",
			field: telemetry.FieldOdometer,
			value: 12345.6,
			want:  12345.6,
		},
		{
			desc:  "coerce float from string",
			field: telemetry.FieldOdometer,
			value: "12345.6",
			want:  12345.6,
		},
		{
			desc:  "coerce bool from open marker",
			field: telemetry.FieldChargePortDoorOpen,
			value: "Open",
			want:  true,
		},
		{
			desc:  "coerce bool from closed marker",
			field: telemetry.FieldChargePortDoorOpen,
			value: "closed",
			want:  false,
		},
		{
			desc:  "coerce bool from number",
			field: telemetry.FieldChargePortDoorOpen,
			value: float64(1),
			want:  true,
		},
		{
			desc:  "coerce enum with upper normalization",
			field: telemetry.FieldGear,
			value: "d",
			want:  "D",
		},
		{
			desc:  "coerce enum with title normalization",
			field: telemetry.FieldChargingState,
			value: "CHARGING",
			want:  "Charging",
		},
		{
			desc:  "coerce empty enum to fallback",
			field: telemetry.FieldGear,
			value: "",
			want:  "P",
		},
		{
			desc:  "coerce location from coordinate object",
			field: telemetry.FieldLocation,
			value: map[string]interface{}{"latitude": 41.39, "longitude": 2.17},
			want:  telemetry.Location{Latitude: 41.39, Longitude: 2.17},
		},
		{
			desc:  "coerce location from scalar",
			field: telemetry.FieldLocation,
			value: "nowhere",
			err:   telemetry.ErrCoercion,
		},
		{
			desc:  "coerce int from object",
			field: telemetry.FieldVehicleSpeed,
			value: map[string]interface{}{"speed": 1.0},
			err:   telemetry.ErrCoercion,
		},
	}

	for _, tc := range cases {
		f, ok := registry.Field(tc.field)
		require.True(t, ok, fmt.Sprintf("%s: unknown field %s", tc.desc, tc.field))

		got, err := registry.Coerce(f, tc.value)
		assert.True(t, errors.Contains(err, tc.err), fmt.Sprintf("%s: expected %s got %s\n", tc.desc, tc.err, err))
		if tc.err == nil {
			assert.Equal(t, tc.want, got, fmt.Sprintf("%s: expected %v got %v\n", tc.desc, tc.want, got))
		}
	}
}

func TestCoerceGeneric(t *testing.T) {
	registry := telemetry.NewRegistry()

	f := registry.FieldOrGeneric("SomethingNew")
	assert.Equal(t, telemetry.GroupGeneral, f.Group, "generic fields belong to the general group")

	value := map[string]interface{}{"nested": true}
	got, err := registry.Coerce(f, value)
	assert.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Equal(t, value, got, "generic values pass through untouched")
}

func TestEntityKey(t *testing.T) {
	cases := []struct {
		desc string
		name string
		want string
	}{
		{
			desc: "single word",
			name: "Soc",
			want: "soc",
		},
		{
			desc: "camel case",
			name: "VehicleSpeed",
			want: "vehicle_speed",
		},
		{
			desc: "long camel case",
			name: "ChargerActualCurrent",
			want: "charger_actual_current",
		},
		{
			desc: "already snake",
			name: "field_42",
			want: "field_42",
		},
	}

	for _, tc := range cases {
		got := telemetry.Field{Name: tc.name}.EntityKey()
		assert.Equal(t, tc.want, got, fmt.Sprintf("%s: expected %s got %s\n", tc.desc, tc.want, got))
	}
}

func TestMerge(t *testing.T) {
	cases := []struct {
		desc string
		fc   telemetry.FleetConfig
		err  error
	}{
		{
			desc: "merge new field",
			fc: telemetry.FleetConfig{
				Fields: []telemetry.Field{{Name: "CabinTemp", Type: telemetry.TypeFloat, Unit: "C", Epsilon: 0.5}},
			},
		},
		{
			desc: "merge field without name",
			fc: telemetry.FleetConfig{
				Fields: []telemetry.Field{{Type: telemetry.TypeFloat}},
			},
			err: telemetry.ErrFleetConfig,
		},
		{
			desc: "merge field with unknown type",
			fc: telemetry.FleetConfig{
				Fields: []telemetry.Field{{Name: "CabinTemp", Type: "temperature"}},
			},
			err: telemetry.ErrFleetConfig,
		},
		{
			desc: "merge group override",
			fc: telemetry.FleetConfig{
				Groups: map[string]string{telemetry.GroupDrive: "90s"},
			},
		},
		{
			desc: "merge group with bad duration",
			fc: telemetry.FleetConfig{
				Groups: map[string]string{telemetry.GroupDrive: "soon"},
			},
			err: telemetry.ErrFleetConfig,
		},
	}

	for _, tc := range cases {
		registry := telemetry.NewRegistry()
		err := registry.Merge(tc.fc)
		assert.True(t, errors.Contains(err, tc.err), fmt.Sprintf("%s: expected %s got %s\n", tc.desc, tc.err, err))
	}

	registry := telemetry.NewRegistry()
	err := registry.Merge(telemetry.FleetConfig{
		Fields: []telemetry.Field{{Name: "CabinTemp", Type: telemetry.TypeFloat}},
		Groups: map[string]string{telemetry.GroupDrive: "90s"},
	})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	f, ok := registry.Field("CabinTemp")
	assert.True(t, ok, "merged field must be registered")
	assert.Equal(t, telemetry.GroupGeneral, f.Group, "merged field without group lands in general")
	assert.Equal(t, 90*time.Second, registry.Threshold(telemetry.GroupDrive), "merged group threshold must override the default")
}

func TestValidateIdentity(t *testing.T) {
	cases := []struct {
		desc string
		vin  string
		err  error
	}{
		{
			desc: "valid vin",
			vin:  "5YJ3E1EA7KF000316",
			err:  nil,
		},
		{
			desc: "short vin",
			vin:  "5YJ3",
			err:  telemetry.ErrMalformedIdentity,
		},
		{
			desc: "vin with forbidden letter",
			vin:  "5YJ3E1EA7KF00031I",
			err:  telemetry.ErrMalformedIdentity,
		},
		{
			desc: "vin with lowercase letter",
			vin:  "5yj3e1ea7kf000316",
			err:  telemetry.ErrMalformedIdentity,
		},
	}

	for _, tc := range cases {
		err := telemetry.VehicleIdentity{VIN: tc.vin, Name: "car"}.Validate()
		assert.True(t, errors.Contains(err, tc.err), fmt.Sprintf("%s: expected %s got %s\n", tc.desc, tc.err, err))
	}
}
