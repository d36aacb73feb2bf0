// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/broker/amqp"
	"github.com/absmach/fluxsub/broker/memory"
	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/deadletter"
	dlbadger "github.com/absmach/fluxsub/deadletter/badger"
	"github.com/absmach/fluxsub/engine"
	fstls "github.com/absmach/fluxsub/pkg/tls"
	"github.com/absmach/fluxsub/publisher"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// app holds every long-lived component of a fluxsub process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	adapter   broker.Adapter
	publisher *publisher.Publisher
	archive   *dlbadger.Store
	engine    *engine.Engine

	shutdownTelemetry func(context.Context) error
}

// newApp builds the process from configuration. Nothing connects to the
// broker until the engine is set up.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:               cfg,
		logger:            logger,
		shutdownTelemetry: func(context.Context) error { return nil },
	}

	if cfg.Server.MetricsEnabled {
		var tlsCfg *tls.Config
		if cfg.Server.OtelTLSEnabled {
			c, err := fstls.LoadClientConfig(fstls.FromServer(cfg.Server))
			if err != nil {
				return nil, fmt.Errorf("telemetry tls: %w", err)
			}
			tlsCfg = c
		}
		shutdown, err := telemetry.InitProvider(context.Background(), telemetry.SettingsFrom(cfg, uuid.NewString(), tlsCfg))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.shutdownTelemetry = shutdown
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	adapter, err := newAdapter(cfg.Broker, logger)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.adapter = adapter

	pub, err := publisher.New(cfg.Publisher, adapter, logger, metrics)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.publisher = pub

	sink, err := a.deadLetterSink()
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	routes, err := buildRoutes(cfg, logger, pub, metrics, otel.Tracer("fluxsub"))
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	policy := retry.NewPolicy(retry.Config{
		MaxRetries:      cfg.Retry.MaxRetries,
		Backoff:         retry.Exponential(cfg.Retry.BackoffBaseDelay, cfg.Retry.BackoffCap),
		PublishAttempts: cfg.Retry.PublishAttempts,
		PublishBackoff:  cfg.Retry.PublishBackoff,
	}, adapter, sink, logger, metrics)

	ec := engine.FromConfig(cfg)
	ec.Adapter = adapter
	ec.Routes = routes
	ec.Policy = policy
	ec.Publisher = pub
	ec.Logger = logger
	ec.Metrics = metrics

	eng, err := engine.New(ec)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.engine = eng

	return a, nil
}

func (a *app) deadLetterSink() (deadletter.Sink, error) {
	if a.cfg.Retry.DeadLetterSink != config.SinkBadger {
		return deadletter.NewBrokerSink(a.adapter, a.cfg.Retry.DeadLetterSuffix), nil
	}

	store, err := dlbadger.New(dlbadger.Config{Dir: a.cfg.Retry.BadgerDir})
	if err != nil {
		return nil, fmt.Errorf("dead-letter archive: %w", err)
	}
	a.archive = store
	a.logger.Info("using BadgerDB dead-letter archive", slog.String("dir", a.cfg.Retry.BadgerDir))
	return store, nil
}

// archiveOrNil keeps a nil *Store from becoming a non-nil interface.
func (a *app) archiveOrNil() deadletter.Archive {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

// shutdown stops consumption, drains the publisher and releases every
// resource.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead-letter archive: %w", err))
		}
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// close releases what newApp created before the engine existed.
func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		a.publisher.Shutdown(ctx)
	}
	if a.archive != nil {
		a.archive.Close()
	}
	a.shutdownTelemetry(ctx)
}

func newAdapter(c config.BrokerConfig, logger *slog.Logger) (broker.Adapter, error) {
	switch c.Type {
	case config.BrokerMemory:
		logger.Info("using in-process memory broker")
		return memory.New(), nil
	case config.BrokerAMQP, "":
	default:
		return nil, fmt.Errorf("unknown broker type %q", c.Type)
	}

	opts := amqp.NewOptions().
		SetReconnect(c.ReconnectInterval, c.ReconnectMaxInterval, c.MaxReconnectAttempts).
		SetLogger(logger)
	if c.URL != "" {
		opts.SetURL(c.URL)
	} else {
		opts.SetAddress(c.Address).
			SetCredentials(c.Username, c.Password).
			SetVhost(c.Vhost)
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.Heartbeat > 0 {
		opts.Heartbeat = c.Heartbeat
	}
	if c.ConfirmTimeout > 0 {
		opts.ConfirmTimeout = c.ConfirmTimeout
	}

	if c.TLSEnabled {
		tlsCfg, err := fstls.LoadClientConfig(fstls.FromBroker(c))
		if err != nil {
			return nil, fmt.Errorf("broker tls: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
		logger.Info("broker connection secured", slog.String("tls", fstls.SecurityStatus(tlsCfg)))
	}

	adapter, err := amqp.New(opts)
	if err != nil {
		return nil, fmt.Errorf("amqp adapter: %w", err)
	}
	return adapter, nil
}
