// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"

	"github.com/go-kit/kit/endpoint"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/apiutil"
	"github.com/jjtortosa/seitor-tesla-telemetry/pkg/errors"
	"github.com/jjtortosa/seitor-tesla-telemetry/telemetry"
)

func viewStateEndpoint(svc telemetry.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(viewStateReq)
		if err := req.validate(); err != nil {
			return nil, errors.Wrap(apiutil.ErrValidation, err)
		}

		state, err := svc.ViewState(ctx, req.vin)
		if err != nil {
			return nil, err
		}

		return vehicleStateRes{VehicleState: state}, nil
	}
}

func listVehiclesEndpoint(svc telemetry.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listVehiclesReq)
		if err := req.validate(); err != nil {
			return nil, errors.Wrap(apiutil.ErrValidation, err)
		}

		infos, err := svc.ListVehicles(ctx)
		if err != nil {
			return nil, err
		}

		return vehiclesPageRes{Total: len(infos), Vehicles: infos}, nil
	}
}
