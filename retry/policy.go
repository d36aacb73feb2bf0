// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry decides what happens to a delivery whose handler failed:
// requeue with a delay or hand it to the dead-letter sink.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/deadletter"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/telemetry"
)

// Outcome is the terminal state of a failed delivery.
type Outcome int

const (
	// OutcomeRetried means a copy was requeued and the original acked.
	OutcomeRetried Outcome = iota + 1
	// OutcomeDeadLettered means the entry reached the sink and the original was acked.
	OutcomeDeadLettered
	// OutcomeRejected means requeue or dead-lettering failed and the original
	// was rejected without requeue.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config configures a Policy.
type Config struct {
	MaxRetries int
	Backoff    BackoffFunc

	// PublishAttempts bounds requeue and dead-letter publishes.
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Policy applies the retry and dead-letter rules to failed deliveries.
type Policy struct {
	cfg     Config
	pub     broker.Publisher
	sink    deadletter.Sink
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPolicy creates a policy that requeues through pub and dead-letters into
// sink.
func NewPolicy(cfg Config, pub broker.Publisher, sink deadletter.Sink, logger *slog.Logger, metrics *telemetry.Metrics) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Exponential(time.Second, 5*time.Minute)
	}
	if cfg.PublishAttempts < 1 {
		cfg.PublishAttempts = 1
	}
	return &Policy{
		cfg:     cfg,
		pub:     pub,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// Delay returns the delay applied before redelivering a message that has
// already been retried attempts times.
func (p *Policy) Delay(attempts int) time.Duration {
	return p.cfg.Backoff(attempts + 1)
}

// Handle settles d after its handler failed with cause. It never leaves d
// unsettled.
func (p *Policy) Handle(ctx context.Context, rt route.Route, d *broker.Delivery, cause error) Outcome {
	attempts := d.RetryCount()

	if attempts < p.cfg.MaxRetries {
		delay := p.Delay(attempts)
		err := p.publish(ctx, func(ctx context.Context) error {
			return p.pub.Publish(ctx, requeueMessage(d, attempts+1, delay))
		})
		if err == nil {
			p.ack(rt, d)
			p.metrics.RecordRetry(rt.Name(), rt.Queue, attempts+1)
			p.logger.Debug("delivery requeued",
				slog.String("route", rt.Name()),
				slog.Int("attempt", attempts+1),
				slog.Duration("delay", delay),
				slog.Any("cause", cause))
			return OutcomeRetried
		}
		p.logger.Error("failed to requeue delivery",
			slog.String("route", rt.Name()),
			slog.Int("attempt", attempts+1),
			slog.Any("error", err))
		return p.reject(rt, d)
	}

	entry := deadletter.NewEntry(rt.Name(), d, cause)
	err := p.publish(ctx, func(ctx context.Context) error {
		return p.sink.Put(ctx, entry)
	})
	if err != nil {
		p.logger.Error("failed to dead-letter delivery",
			slog.String("route", rt.Name()),
			slog.Any("error", err))
		return p.reject(rt, d)
	}

	p.ack(rt, d)
	p.metrics.RecordDeadLetter(rt.Name(), rt.Queue)
	p.logger.Warn("delivery dead-lettered",
		slog.String("route", rt.Name()),
		slog.String("id", entry.ID),
		slog.Int("attempts", entry.Attempts),
		slog.String("reason", entry.Reason))
	return OutcomeDeadLettered
}

// publish runs fn up to PublishAttempts times with a linear pause between
// attempts.
func (p *Policy) publish(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i < p.cfg.PublishAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
			case <-time.After(p.cfg.PublishBackoff * time.Duration(i)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

func (p *Policy) ack(rt route.Route, d *broker.Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Warn("failed to ack delivery",
			slog.String("route", rt.Name()),
			slog.Any("error", err))
	}
}

func (p *Policy) reject(rt route.Route, d *broker.Delivery) Outcome {
	if err := d.Reject(false); err != nil {
		p.logger.Warn("failed to reject delivery",
			slog.String("route", rt.Name()),
			slog.Any("error", err))
	}
	p.metrics.RecordRejected(rt.Name(), rt.Queue)
	return OutcomeRejected
}

// requeueMessage copies d for the next attempt. The copy goes to the
// delivery's own queue through the default exchange so that other queues
// bound to the original routing key do not see it again.
func requeueMessage(d *broker.Delivery, attempt int, delay time.Duration) broker.Message {
	headers := d.Headers.Clone()
	headers[broker.HeaderRetryCount] = attempt
	headers[broker.HeaderOriginalRoutingKey] = d.OriginalRoutingKey()

	return broker.Message{
		Exchange:   broker.DefaultExchange,
		RoutingKey: d.Queue,
		Body:       d.Body,
		Headers:    headers,
		MessageID:  d.MessageID,
		Persistent: true,
		Delay:      delay,
	}
}
