// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscriber moves deliveries from the broker into worker pools and
// runs them through their route handlers.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/telemetry"
)

// Dispatcher runs jobs: handler success acks, failure goes to the retry
// policy. It is the pool.RunFunc of every route pool.
type Dispatcher struct {
	policy  *retry.Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewDispatcher creates a dispatcher settling failures through policy.
func NewDispatcher(policy *retry.Policy, logger *slog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch invokes the job's handler and settles its delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, job pool.Job) {
	rt, dl := job.Route, job.Delivery

	err := invoke(ctx, job)
	if err == nil {
		if ackErr := dl.Ack(); ackErr != nil {
			d.logger.Warn("failed to ack delivery",
				slog.String("route", rt.Name()),
				slog.Uint64("tag", dl.Tag),
				slog.Any("error", ackErr))
		}
		return
	}

	if dl.Settled() {
		d.logger.Warn("handler failed after settling its delivery",
			slog.String("route", rt.Name()),
			slog.Any("error", err))
		return
	}

	// The policy must publish and settle even when the pool is being torn
	// down, so it does not inherit cancellation.
	outcome := d.policy.Handle(context.WithoutCancel(ctx), rt, dl, err)
	d.logger.Debug("delivery failed",
		slog.String("route", rt.Name()),
		slog.String("outcome", outcome.String()),
		slog.Any("error", err))
}

// Run adapts Dispatch to pool.RunFunc.
func (d *Dispatcher) Run() pool.RunFunc {
	return d.Dispatch
}

func invoke(ctx context.Context, job pool.Job) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	if job.Route.Handler == nil {
		return fmt.Errorf("route %s has no handler", job.Route.Name())
	}
	return job.Route.Handler(ctx, job.Delivery)
}
