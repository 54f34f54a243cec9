// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "time"

// AvailabilityRecord tracks sample recency for one availability group of
// one vehicle. A group flips to unavailable when no sample of the group
// is accepted within its staleness window, and back on the next accepted
// sample.
type AvailabilityRecord struct {
	Group        string    `json:"group"`
	LastAccepted time.Time `json:"last_accepted"`
	Available    bool      `json:"available"`
}

// sweep demotes every group whose staleness window elapsed and returns
// the unavailability deltas. Groups already unavailable are skipped, so
// each expiry emits exactly once.
func (v *vehicle) sweep(at time.Time) []EmissionDelta {
	v.mu.Lock()
	defer v.mu.Unlock()

	var deltas []EmissionDelta
	for group, rec := range v.groups {
		threshold := v.registry.Threshold(group)
		if threshold <= 0 || !rec.Available {
			continue
		}
		if at.Sub(rec.LastAccepted) <= threshold {
			continue
		}
		rec.Available = false
		deltas = append(deltas, v.demoteGroupLocked(group)...)
	}

	return deltas
}

// demoteAll marks every group unavailable at once, except the listed
// ones. Used when the transport drops or the producer reports its link
// lost, where waiting for staleness windows would lie to the host.
func (v *vehicle) demoteAll(except ...string) []EmissionDelta {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.demoteAllLocked(except...)
}

func (v *vehicle) demoteAllLocked(except ...string) []EmissionDelta {
	var deltas []EmissionDelta
	for group, rec := range v.groups {
		if !rec.Available || containsString(except, group) {
			continue
		}
		rec.Available = false
		deltas = append(deltas, v.demoteGroupLocked(group)...)
	}
	return deltas
}

// demoteGroupLocked emits an unavailability delta for every known slot
// of the group. Values are kept so the host can still show the last
// reading alongside the unavailable marker, and so recovery can re-emit
// them.
func (v *vehicle) demoteGroupLocked(group string) []EmissionDelta {
	var deltas []EmissionDelta
	for _, slot := range v.slots {
		if !slot.known || slot.field.Group != group {
			continue
		}
		if slot.derived {
			slot.derivedOK = false
		}
		deltas = append(deltas, v.emitLocked(slot, false))
	}
	return deltas
}

// applyConnectivity folds a producer link status sample in and, when the
// producer reports disconnection, demotes everything except the link
// group itself so the Connected entity keeps reporting.
func (v *vehicle) applyConnectivity(sample DecodedSample, at time.Time, connected bool) ([]EmissionDelta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	deltas, err := v.applyLocked(sample, at)
	if err != nil {
		return nil, err
	}
	if !connected {
		deltas = append(deltas, v.demoteAllLocked(GroupLink)...)
	}

	return deltas, nil
}
