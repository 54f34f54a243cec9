// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry contains the domain concept definitions needed to
// support the vehicle telemetry normalization service: the field
// registry, the payload decoders and the per-vehicle entity state.
package telemetry
