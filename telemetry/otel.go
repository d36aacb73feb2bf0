// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry providers and the metric instruments
// recorded by the dispatch engine.
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxsub/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const exportTimeout = 30 * time.Second

// Resource attribute keys describing how this instance consumes.
const (
	ModeKey       = attribute.Key("fluxsub.mode")
	BrokerTypeKey = attribute.Key("fluxsub.broker.type")
)

// Settings describes the running instance and where its telemetry goes.
type Settings struct {
	Server     config.ServerConfig
	InstanceID string
	Mode       string
	BrokerType string

	// TLS secures the OTLP connection. Nil exports in plaintext.
	TLS *tls.Config
}

// SettingsFrom builds telemetry settings from the application config.
func SettingsFrom(cfg *config.Config, instanceID string, tlsCfg *tls.Config) Settings {
	return Settings{
		Server:     cfg.Server,
		InstanceID: instanceID,
		Mode:       cfg.Subscriber.Mode,
		BrokerType: cfg.Broker.Type,
		TLS:        tlsCfg,
	}
}

// InitProvider installs the global tracer and meter providers exporting over
// OTLP gRPC. The returned function flushes and stops both.
func InitProvider(ctx context.Context, s Settings) (func(context.Context) error, error) {
	res, err := newResource(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if s.Server.OtelTracesEnabled {
		traceShutdown, err := initTracerProvider(ctx, s, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, traceShutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if s.Server.OtelMetricsEnabled {
		meterShutdown, err := initMeterProvider(ctx, s, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, meterShutdown)
	}

	return shutdown, nil
}

func newResource(ctx context.Context, s Settings) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(s.Server.OtelServiceName),
			semconv.ServiceVersionKey.String(s.Server.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(s.InstanceID),
			ModeKey.String(s.Mode),
			BrokerTypeKey.String(s.BrokerType),
		),
	)
}

func initTracerProvider(ctx context.Context, s Settings, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(s.Server.MetricsAddr),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if s.TLS != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.TLS)))
	} else {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(s.Server.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, s Settings, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(s.Server.MetricsAddr),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if s.TLS != nil {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(s.TLS)))
	} else {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
