// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides route handler middleware.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicError is returned by Recover when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Recover turns handler panics into *PanicError.
func Recover() route.Middleware {
	return func(_ route.Route, next route.Handler) route.Handler {
		return func(ctx context.Context, d *broker.Delivery) (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = &PanicError{Value: v, Stack: debug.Stack()}
				}
			}()
			return next(ctx, d)
		}
	}
}

// Logging logs every handler run.
func Logging(logger *slog.Logger) route.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r route.Route, next route.Handler) route.Handler {
		name := r.Name()
		return func(ctx context.Context, d *broker.Delivery) (err error) {
			defer func(begin time.Time) {
				level := slog.LevelDebug
				if err != nil {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "handled delivery",
					slog.String("route", name),
					slog.String("queue", d.Queue),
					slog.String("routing_key", d.RoutingKey),
					slog.Int("retry_count", d.RetryCount()),
					slog.String("duration", time.Since(begin).String()),
					slog.Any("error", err),
				)
			}(time.Now())
			return next(ctx, d)
		}
	}
}

// Tracing wraps every handler run in a consumer span.
func Tracing(tracer trace.Tracer) route.Middleware {
	return func(r route.Route, next route.Handler) route.Handler {
		name := r.Name()
		return func(ctx context.Context, d *broker.Delivery) error {
			ctx, span := tracer.Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination", d.Queue),
					attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
					attribute.String("messaging.message_id", d.MessageID),
					attribute.Int("messaging.retry_count", d.RetryCount()),
				))
			defer span.End()

			err := next(ctx, d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Metrics records handler duration and outcome.
func Metrics(m *telemetry.Metrics) route.Middleware {
	return func(r route.Route, next route.Handler) route.Handler {
		name := r.Name()
		return func(ctx context.Context, d *broker.Delivery) error {
			begin := time.Now()
			err := next(ctx, d)
			m.RecordHandled(name, r.Queue, time.Since(begin), err)
			return err
		}
	}
}
