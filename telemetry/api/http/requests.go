// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import "github.com/jjtortosa/seitor-tesla-telemetry/pkg/apiutil"

const vinLength = 17

type viewStateReq struct {
	vin string
}

func (req viewStateReq) validate() error {
	if req.vin == "" {
		return apiutil.ErrMissingID
	}
	if len(req.vin) != vinLength {
		return apiutil.ErrInvalidVIN
	}

	return nil
}

type listVehiclesReq struct{}

func (req listVehiclesReq) validate() error {
	return nil
}
