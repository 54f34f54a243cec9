// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/pelletier/go-toml"
)

// Type is the semantic type a telemetry field is coerced to.
type Type string

const (
	// TypeInt is a whole-number field.
	TypeInt Type = "int"
	// TypeFloat is a continuous numeric field.
	TypeFloat Type = "float"
	// TypeString is a textual or enumerated field.
	TypeString Type = "string"
	// TypeBool is a boolean field.
	TypeBool Type = "bool"
	// TypeLocation is a latitude/longitude pair.
	TypeLocation Type = "location"
	// TypeGeneric passes values through uncoerced. Used for fields the
	// producer introduces before the registry learns about them.
	TypeGeneric Type = ""
)

// Normalization modes for string fields.
const (
	NormalizeUpper = "upper"
	NormalizeTitle = "title"
)

// Availability groups. Fields in the same group share a staleness window.
const (
	GroupDrive   = "drive"
	GroupCharge  = "charge"
	GroupSlow    = "slow"
	GroupLink    = "link"
	GroupGeneral = "general"
)

// Built-in field names, as published by the vehicle-data relay.
const (
	FieldVehicleSpeed         = "VehicleSpeed"
	FieldGear                 = "Gear"
	FieldOdometer             = "Odometer"
	FieldSoc                  = "Soc"
	FieldBatteryLevel         = "BatteryLevel"
	FieldEstBatteryRange      = "EstBatteryRange"
	FieldChargeState          = "ChargeState"
	FieldChargingState        = "ChargingState"
	FieldChargerVoltage       = "ChargerVoltage"
	FieldChargerActualCurrent = "ChargerActualCurrent"
	FieldChargePortDoorOpen   = "ChargePortDoorOpen"
	FieldLocation             = "Location"
	FieldConnected            = "Connected"
	FieldDriving              = "Driving"
	FieldCharging             = "Charging"
	FieldChargingPower        = "ChargingPower"
)

// Location is a geographic coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude" toml:"latitude"`
	Longitude float64 `json:"longitude" toml:"longitude"`
}

// Field describes a single telemetry attribute: how to decode it, which
// availability group it belongs to and when a change is worth emitting.
type Field struct {
	// Name is the producer-side field name.
	Name string `toml:"name"`

	// Type is the semantic type values are coerced to.
	Type Type `toml:"type"`

	// Unit is an informational measurement unit.
	Unit string `toml:"unit"`

	// Group is the availability group the field belongs to.
	Group string `toml:"group"`

	// Epsilon is the significance threshold for continuous values.
	// Zero means exact-change comparison.
	Epsilon float64 `toml:"epsilon"`

	// Number is the field tag used by the binary payload schema.
	Number uint16 `toml:"number"`

	// Normalize optionally reshapes string values (upper, title).
	Normalize string `toml:"normalize"`

	// Fallback substitutes empty string values.
	Fallback string `toml:"fallback"`
}

// EntityKey returns the downstream entity identifier for the field.
func (f Field) EntityKey() string {
	return snakeCase(f.Name)
}

// DerivationInput carries one source field into a derivation.
type DerivationInput struct {
	Value      any
	ObservedAt time.Time
	Known      bool
}

// Derivation declares a field computed from other fields. When Joint is
// set, all inputs must be known and observed within Joint of each other,
// otherwise the derived field is reported unavailable.
type Derivation struct {
	Field   Field
	Inputs  []string
	Joint   time.Duration
	Compute func(in map[string]DerivationInput) (any, bool)
}

// Registry holds the telemetry field descriptors, the availability group
// staleness windows and the derived field declarations. It is built from
// compiled-in defaults and can be extended from a fleet file, so new
// producer fields do not require code changes.
type Registry struct {
	fields      map[string]Field
	numbers     map[uint16]Field
	groups      map[string]time.Duration
	derivations []Derivation
}

// NewRegistry returns a registry preloaded with the built-in vehicle
// telemetry fields.
func NewRegistry() *Registry {
	r := &Registry{
		fields:  make(map[string]Field),
		numbers: make(map[uint16]Field),
		groups: map[string]time.Duration{
			GroupDrive:   5 * time.Minute,
			GroupCharge:  15 * time.Minute,
			GroupSlow:    24 * time.Hour,
			GroupLink:    0,
			GroupGeneral: 10 * time.Minute,
		},
		derivations: defaultDerivations(),
	}

	for _, f := range defaultFields() {
		r.register(f)
	}
	for _, d := range r.derivations {
		if _, ok := r.groups[d.Field.Group]; !ok {
			r.groups[d.Field.Group] = r.groups[GroupGeneral]
		}
	}

	return r
}

func defaultFields() []Field {
	return []Field{
		{Name: FieldVehicleSpeed, Type: TypeInt, Unit: "km/h", Group: GroupDrive, Number: 1},
		{Name: FieldGear, Type: TypeString, Group: GroupDrive, Number: 8, Normalize: NormalizeUpper, Fallback: "P"},
		{Name: FieldLocation, Type: TypeLocation, Group: GroupDrive, Number: 12, Epsilon: 1e-5},
		{Name: FieldOdometer, Type: TypeFloat, Unit: "km", Group: GroupSlow, Number: 2, Epsilon: 0.05},
		{Name: FieldSoc, Type: TypeInt, Unit: "%", Group: GroupCharge, Number: 3},
		{Name: FieldBatteryLevel, Type: TypeInt, Unit: "%", Group: GroupCharge, Number: 4},
		{Name: FieldEstBatteryRange, Type: TypeFloat, Unit: "km", Group: GroupCharge, Number: 5, Epsilon: 0.5},
		{Name: FieldChargeState, Type: TypeString, Group: GroupCharge, Number: 6, Normalize: NormalizeTitle, Fallback: "Disconnected"},
		{Name: FieldChargingState, Type: TypeString, Group: GroupCharge, Number: 7, Normalize: NormalizeTitle, Fallback: "Disconnected"},
		{Name: FieldChargerVoltage, Type: TypeInt, Unit: "V", Group: GroupCharge, Number: 9},
		{Name: FieldChargerActualCurrent, Type: TypeInt, Unit: "A", Group: GroupCharge, Number: 10},
		{Name: FieldChargePortDoorOpen, Type: TypeBool, Group: GroupCharge, Number: 11},
		{Name: FieldConnected, Type: TypeBool, Group: GroupLink},
	}
}

func defaultDerivations() []Derivation {
	return []Derivation{
		{
			Field:   Field{Name: FieldDriving, Type: TypeBool, Group: GroupDrive},
			Inputs:  []string{FieldGear, FieldVehicleSpeed},
			Compute: computeDriving,
		},
		{
			Field:   Field{Name: FieldCharging, Type: TypeBool, Group: GroupCharge},
			Inputs:  []string{FieldChargingState, FieldChargeState},
			Compute: computeCharging,
		},
		{
			Field:   Field{Name: FieldChargingPower, Type: TypeFloat, Unit: "kW", Group: GroupCharge, Epsilon: 0.1},
			Inputs:  []string{FieldChargerVoltage, FieldChargerActualCurrent},
			Joint:   time.Minute,
			Compute: computeChargingPower,
		},
	}
}

func (r *Registry) register(f Field) {
	if f.Group == "" {
		f.Group = GroupGeneral
	}
	r.fields[f.Name] = f
	if f.Number != 0 {
		r.numbers[f.Number] = f
	}
}

// Field returns the descriptor of a registered field.
func (r *Registry) Field(name string) (Field, bool) {
	f, ok := r.fields[name]
	return f, ok
}

// FieldOrGeneric returns the descriptor of a registered field, or a
// passthrough descriptor for fields the registry does not know yet.
func (r *Registry) FieldOrGeneric(name string) Field {
	if f, ok := r.fields[name]; ok {
		return f
	}
	return Field{Name: name, Type: TypeGeneric, Group: GroupGeneral}
}

func (r *Registry) fieldByNumber(num uint16) (Field, bool) {
	f, ok := r.numbers[num]
	return f, ok
}

// Threshold returns the staleness window of an availability group. Zero
// means the group never times out.
func (r *Registry) Threshold(group string) time.Duration {
	if d, ok := r.groups[group]; ok {
		return d
	}
	return r.groups[GroupGeneral]
}

// OverrideJointWindow replaces the joint-freshness window of every
// multi-input derivation.
func (r *Registry) OverrideJointWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	for i := range r.derivations {
		if len(r.derivations[i].Inputs) > 1 {
			r.derivations[i].Joint = d
		}
	}
}

// FleetConfig is the optional TOML file carrying the configured vehicles
// together with field registry extensions and group threshold overrides.
type FleetConfig struct {
	Vehicles []VehicleIdentity `toml:"vehicles"`
	Fields   []Field           `toml:"fields"`
	Groups   map[string]string `toml:"groups"`
}

// LoadFleetFile reads a fleet configuration file.
func LoadFleetFile(path string) (FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, errors.Wrap(ErrFleetConfig, err)
	}

	var fc FleetConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return FleetConfig{}, errors.Wrap(ErrFleetConfig, err)
	}

	return fc, nil
}

// Merge extends the registry with fields and group thresholds from a
// fleet configuration. Existing entries are overridden by name.
func (r *Registry) Merge(fc FleetConfig) error {
	for _, f := range fc.Fields {
		if f.Name == "" {
			return errors.Wrap(ErrFleetConfig, errors.New("field without a name"))
		}
		switch f.Type {
		case TypeInt, TypeFloat, TypeString, TypeBool, TypeLocation, TypeGeneric:
		default:
			return errors.Wrap(ErrFleetConfig, errors.New("unknown field type "+string(f.Type)))
		}
		r.register(f)
	}

	for group, raw := range fc.Groups {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrap(ErrFleetConfig, err)
		}
		r.groups[group] = d
	}

	return nil
}

// Coerce converts a decoded value to the field's semantic type. Numeric
// strings become numbers, bool-ish strings become booleans and nested
// coordinates become a Location. Generic fields pass through untouched.
func (r *Registry) Coerce(f Field, v any) (any, error) {
	switch f.Type {
	case TypeGeneric:
		return v, nil
	case TypeInt:
		return coerceInt(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBool:
		return coerceBool(v)
	case TypeString:
		return coerceString(f, v)
	case TypeLocation:
		return coerceLocation(v)
	default:
		return nil, errors.Wrap(ErrCoercion, errors.New("unknown field type "+string(f.Type)))
	}
}

func coerceInt(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(math.Round(n)), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, errors.Wrap(ErrCoercion, err)
		}
		return int64(math.Round(parsed)), nil
	case bool:
		if n {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, coercionTypeErr("int", v)
	}
}

func coerceFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, errors.Wrap(ErrCoercion, err)
		}
		return parsed, nil
	default:
		return nil, coercionTypeErr("float", v)
	}
}

var truthy = map[string]bool{"true": true, "1": true, "open": true, "on": true, "yes": true}

func coerceBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return truthy[strings.ToLower(strings.TrimSpace(b))], nil
	case float64:
		return b != 0, nil
	case int64:
		return b != 0, nil
	default:
		return nil, coercionTypeErr("bool", v)
	}
}

func coerceString(f Field, v any) (any, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil, coercionTypeErr("string", v)
	}

	if s == "" {
		s = f.Fallback
	}
	switch f.Normalize {
	case NormalizeUpper:
		s = strings.ToUpper(s)
	case NormalizeTitle:
		s = capitalize(s)
	}

	return s, nil
}

func coerceLocation(v any) (any, error) {
	switch l := v.(type) {
	case Location:
		return l, nil
	case map[string]interface{}:
		if loc, ok := asLocation(l); ok {
			return loc, nil
		}
	}
	return nil, coercionTypeErr("location", v)
}

func coercionTypeErr(want string, got any) error {
	return errors.Wrap(ErrCoercion, errors.New("cannot convert "+typeName(got)+" to "+want))
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, int64:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "value"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rune(s[i-1])) || unicode.IsDigit(rune(s[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func computeDriving(in map[string]DerivationInput) (any, bool) {
	gear := in[FieldGear]
	speed := in[FieldVehicleSpeed]

	if gear.Known {
		if s, ok := gear.Value.(string); ok {
			switch s {
			case "D", "R", "N":
				return true, true
			}
		}
	}
	if speed.Known {
		if n, ok := toFloat(speed.Value); ok && n > 1 {
			return true, true
		}
	}
	if gear.Known || speed.Known {
		return false, true
	}

	return nil, false
}

func computeCharging(in map[string]DerivationInput) (any, bool) {
	state := in[FieldChargingState]
	if !state.Known {
		state = in[FieldChargeState]
	}
	if !state.Known {
		return nil, false
	}
	s, ok := state.Value.(string)
	if !ok {
		return nil, false
	}

	return strings.EqualFold(s, "Charging"), true
}

func computeChargingPower(in map[string]DerivationInput) (any, bool) {
	voltage, okV := toFloat(in[FieldChargerVoltage].Value)
	current, okC := toFloat(in[FieldChargerActualCurrent].Value)
	if !okV || !okC {
		return nil, false
	}

	return voltage * current / 1000.0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
