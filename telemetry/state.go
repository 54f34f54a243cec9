// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"math"
	"reflect"
	"sync"
	"time"
)

// fieldSlot holds the normalized value of one entity together with the
// bookkeeping needed for last-writer-wins and significance filtering.
type fieldSlot struct {
	field      Field
	value      any
	observedAt time.Time
	known      bool

	// emitted is the value last pushed downstream, compared against on
	// every accepted sample to suppress insignificant updates.
	emitted    any
	hasEmitted bool

	// derived slots only.
	derived   bool
	derivedOK bool
}

// vehicle serializes all state transitions of a single VIN behind its
// own lock, so distinct vehicles never contend.
type vehicle struct {
	identity VehicleIdentity
	registry *Registry
	skew     time.Duration

	mu     sync.Mutex
	slots  map[string]*fieldSlot
	groups map[string]*AvailabilityRecord
}

func newVehicle(identity VehicleIdentity, registry *Registry, skew time.Duration) *vehicle {
	v := &vehicle{
		identity: identity,
		registry: registry,
		skew:     skew,
		slots:    make(map[string]*fieldSlot),
		groups:   make(map[string]*AvailabilityRecord),
	}

	for name, f := range registry.fields {
		v.slots[name] = &fieldSlot{field: f}
		v.ensureGroupLocked(f.Group)
	}
	for _, d := range registry.derivations {
		v.slots[d.Field.Name] = &fieldSlot{field: d.Field, derived: true}
		v.ensureGroupLocked(d.Field.Group)
	}

	return v
}

func (v *vehicle) ensureGroupLocked(group string) *AvailabilityRecord {
	rec, ok := v.groups[group]
	if !ok {
		rec = &AvailabilityRecord{Group: group}
		v.groups[group] = rec
	}
	return rec
}

// apply folds one coerced sample into the vehicle state and returns the
// entity updates it caused. Samples older than the stored observation
// beyond the skew tolerance are rejected with errStaleSample.
func (v *vehicle) apply(sample DecodedSample, at time.Time) ([]EmissionDelta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(sample, at)
}

func (v *vehicle) applyLocked(sample DecodedSample, at time.Time) ([]EmissionDelta, error) {
	slot, ok := v.slots[sample.FieldName]
	if !ok {
		slot = &fieldSlot{field: v.registry.FieldOrGeneric(sample.FieldName)}
		v.slots[sample.FieldName] = slot
		v.ensureGroupLocked(slot.field.Group)
	}

	if slot.known && sample.ObservedAt.Before(slot.observedAt.Add(-v.skew)) {
		return nil, errStaleSample
	}

	slot.value = sample.Value
	slot.observedAt = sample.ObservedAt
	slot.known = true

	rec := v.ensureGroupLocked(slot.field.Group)
	rec.LastAccepted = at
	recovered := !rec.Available
	rec.Available = true

	var deltas []EmissionDelta
	if recovered {
		deltas = append(deltas, v.snapshotGroupLocked(slot.field.Group)...)
	} else if significantChange(slot.field, slot.emitted, slot.hasEmitted, slot.value) {
		deltas = append(deltas, v.emitLocked(slot, true))
	}

	deltas = append(deltas, v.recomputeDerivedLocked(sample.FieldName, slot.field.Group, sample.ObservedAt, recovered)...)

	return deltas, nil
}

// snapshotGroupLocked re-emits every known plain slot of a group after
// an availability recovery, regardless of significance. Derived slots
// are re-emitted by the derivation pass.
func (v *vehicle) snapshotGroupLocked(group string) []EmissionDelta {
	var deltas []EmissionDelta
	for _, slot := range v.slots {
		if slot.derived || !slot.known || slot.field.Group != group {
			continue
		}
		deltas = append(deltas, v.emitLocked(slot, true))
	}
	return deltas
}

// recomputeDerivedLocked refreshes every derivation touched by the
// given field. When force is set, derivations living in the recovered
// group are re-emitted even without a state change.
func (v *vehicle) recomputeDerivedLocked(trigger, group string, obsAt time.Time, force bool) []EmissionDelta {
	var deltas []EmissionDelta
	for i := range v.registry.derivations {
		d := &v.registry.derivations[i]
		forced := force && d.Field.Group == group
		if !forced && !containsString(d.Inputs, trigger) {
			continue
		}

		slot := v.slots[d.Field.Name]
		value, ok := v.deriveLocked(d)
		switch {
		case ok:
			wasOK := slot.derivedOK
			significant := significantChange(slot.field, slot.emitted, slot.hasEmitted, value)
			slot.value = value
			slot.observedAt = obsAt
			slot.known = true
			slot.derivedOK = true
			if forced || !wasOK || significant {
				deltas = append(deltas, v.emitLocked(slot, true))
			}
		case slot.derivedOK:
			slot.derivedOK = false
			deltas = append(deltas, v.emitLocked(slot, false))
		}
	}
	return deltas
}

// deriveLocked evaluates one derivation against the current slots. A
// joint window forces all inputs to be known and observed close enough
// to each other to be trusted together.
func (v *vehicle) deriveLocked(d *Derivation) (any, bool) {
	in := make(map[string]DerivationInput, len(d.Inputs))
	var oldest, newest time.Time
	allKnown := true
	for _, name := range d.Inputs {
		slot, ok := v.slots[name]
		if !ok || !slot.known {
			allKnown = false
			in[name] = DerivationInput{}
			continue
		}
		in[name] = DerivationInput{Value: slot.value, ObservedAt: slot.observedAt, Known: true}
		if oldest.IsZero() || slot.observedAt.Before(oldest) {
			oldest = slot.observedAt
		}
		if slot.observedAt.After(newest) {
			newest = slot.observedAt
		}
	}

	if d.Joint > 0 {
		if !allKnown || newest.Sub(oldest) > d.Joint {
			return nil, false
		}
	}

	return d.Compute(in)
}

func (v *vehicle) emitLocked(slot *fieldSlot, available bool) EmissionDelta {
	slot.emitted = slot.value
	slot.hasEmitted = true
	return EmissionDelta{
		VIN:        v.identity.VIN,
		EntityKey:  slot.field.EntityKey(),
		Value:      slot.value,
		Available:  available,
		ObservedAt: slot.observedAt,
	}
}

// significantChange reports whether a new value differs enough from the
// last emitted one to be worth pushing downstream. Continuous fields
// compare within their epsilon, everything else compares exactly.
func significantChange(f Field, emitted any, hasEmitted bool, value any) bool {
	if !hasEmitted {
		return true
	}

	switch f.Type {
	case TypeFloat:
		prev, ok1 := toFloat(emitted)
		next, ok2 := toFloat(value)
		if !ok1 || !ok2 {
			return !reflect.DeepEqual(emitted, value)
		}
		if f.Epsilon > 0 {
			return math.Abs(next-prev) > f.Epsilon
		}
		return next != prev
	case TypeLocation:
		prev, ok1 := emitted.(Location)
		next, ok2 := value.(Location)
		if !ok1 || !ok2 {
			return !reflect.DeepEqual(emitted, value)
		}
		if f.Epsilon > 0 {
			return math.Abs(next.Latitude-prev.Latitude) > f.Epsilon ||
				math.Abs(next.Longitude-prev.Longitude) > f.Epsilon
		}
		return next != prev
	default:
		return !reflect.DeepEqual(emitted, value)
	}
}

// snapshot returns the externally visible state of the vehicle.
func (v *vehicle) snapshot() VehicleState {
	v.mu.Lock()
	defer v.mu.Unlock()

	fields := make(map[string]FieldState, len(v.slots))
	for _, slot := range v.slots {
		available := slot.known && v.groups[slot.field.Group].Available
		if slot.derived {
			available = available && slot.derivedOK
		}
		fields[slot.field.EntityKey()] = FieldState{
			Value:      slot.value,
			Unit:       slot.field.Unit,
			Available:  available,
			ObservedAt: slot.observedAt,
		}
	}

	return VehicleState{VIN: v.identity.VIN, Name: v.identity.Name, Fields: fields}
}

// available reports whether any availability group of the vehicle is
// currently live.
func (v *vehicle) available() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range v.groups {
		if rec.Available {
			return true
		}
	}
	return false
}

func containsString(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
