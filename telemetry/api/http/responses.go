// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"

	seitor "github.com/jjtortosa/seitor-tesla-telemetry"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

var (
	_ seitor.Response = (*vehicleStateRes)(nil)
	_ seitor.Response = (*vehiclesPageRes)(nil)
)

type vehicleStateRes struct {
	telemetry.VehicleState
}

func (res vehicleStateRes) Code() int {
	return http.StatusOK
}

func (res vehicleStateRes) Headers() map[string]string {
	return map[string]string{}
}

func (res vehicleStateRes) Empty() bool {
	return false
}

type vehiclesPageRes struct {
	Total    int                     `json:"total"`
	Vehicles []telemetry.VehicleInfo `json:"vehicles"`
}

func (res vehiclesPageRes) Code() int {
	return http.StatusOK
}

func (res vehiclesPageRes) Headers() map[string]string {
	return map[string]string{}
}

func (res vehiclesPageRes) Empty() bool {
	return false
}
