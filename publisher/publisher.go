// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package publisher sends outbound messages asynchronously through a bounded
// buffer, so callers never wait on the broker.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/telemetry"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

var (
	ErrBufferFull   = errors.New("publish buffer is full")
	ErrClosed       = errors.New("publisher is shut down")
	ErrDrainTimeout = errors.New("publisher drain timed out")
	ErrNilSender    = errors.New("sender cannot be nil")
)

// Option customizes a published message.
type Option func(*broker.Message)

// WithHeaders sets message headers.
func WithHeaders(h broker.Headers) Option {
	return func(m *broker.Message) {
		m.Headers = h.Clone()
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(m *broker.Message) {
		m.MessageID = id
	}
}

// WithDelay defers delivery of the message to consumers.
func WithDelay(d time.Duration) Option {
	return func(m *broker.Message) {
		m.Delay = d
	}
}

// Stats counts publisher activity since New.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Buffered  int    `json:"buffered"`
}

// Publisher buffers messages and sends them in FIFO order from one flush
// goroutine.
type Publisher struct {
	cfg     config.PublisherConfig
	sender  broker.Publisher
	breaker *gobreaker.CircuitBreaker
	backoff retry.BackoffFunc
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	jobs   chan broker.Message
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	enqueued  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a publisher and starts its flush goroutine. Zero fields of cfg
// take the config defaults.
func New(cfg config.PublisherConfig, sender broker.Publisher, logger *slog.Logger, metrics *telemetry.Metrics) (*Publisher, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:     cfg,
		sender:  sender,
		backoff: retry.Exponential(cfg.RetryInterval, cfg.MaxRetryInterval),
		logger:  logger,
		metrics: metrics,
		jobs:    make(chan broker.Message, cfg.BufferCapacity),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publisher",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	go p.flush()

	logger.Info("publisher started",
		slog.Int("buffer_capacity", cfg.BufferCapacity),
		slog.Duration("drain_timeout", cfg.DrainTimeout))

	return p, nil
}

func withDefaults(cfg config.PublisherConfig) config.PublisherConfig {
	def := config.Default().Publisher
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = def.BufferCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = def.CircuitBreaker.ResetTimeout
	}
	return cfg
}

// Publish enqueues a message and returns without waiting for the broker.
// When the buffer is full it waits up to the enqueue timeout, then drops the
// message and returns ErrBufferFull.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts ...Option) error {
	msg := broker.Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       payload,
		MessageID:  uuid.NewString(),
		Persistent: p.cfg.Persistent,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- msg:
		p.accepted(msg)
		return nil
	default:
	}

	if p.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(p.cfg.EnqueueTimeout)
		defer timer.Stop()

		select {
		case p.jobs <- msg:
			p.accepted(msg)
			return nil
		case <-timer.C:
		case <-ctx.Done():
			p.drop(msg, "cancelled", ctx.Err())
			return ctx.Err()
		}
	}

	p.drop(msg, "buffer_full", ErrBufferFull)
	return ErrBufferFull
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Enqueued:  p.enqueued.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Buffered:  len(p.jobs),
	}
}

// Shutdown stops accepting messages and drains the buffer within the drain
// timeout or until ctx is done. Messages left after that are dropped and
// ErrDrainTimeout is returned.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("draining publisher", slog.Int("buffered", len(p.jobs)))

	var timeout <-chan time.Time
	if p.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-p.done:
		p.cancel()
		p.logger.Info("publisher drained",
			slog.Uint64("published", p.published.Load()),
			slog.Uint64("dropped", p.dropped.Load()))
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	remaining := len(p.jobs)
	p.cancel()
	<-p.done

	p.logger.Warn("publisher drain timed out, buffered messages dropped",
		slog.Int("dropped", remaining))
	return fmt.Errorf("%w: %d messages dropped", ErrDrainTimeout, remaining)
}

func (p *Publisher) flush() {
	defer close(p.done)

	for msg := range p.jobs {
		if p.ctx.Err() != nil {
			p.drop(msg, "shutdown", p.ctx.Err())
			continue
		}
		p.send(msg)
	}
}

func (p *Publisher) send(msg broker.Message) {
	for attempt := 1; ; attempt++ {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.sender.Publish(p.ctx, msg)
		})
		if err == nil {
			p.published.Add(1)
			p.metrics.RecordPublishSent(msg.Exchange)
			return
		}

		if attempt >= p.cfg.MaxAttempts {
			p.logger.Error("publish failed after max attempts",
				slog.String("exchange", msg.Exchange),
				slog.String("routing_key", msg.RoutingKey),
				slog.String("message_id", msg.MessageID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			p.drop(msg, "send_failed", err)
			return
		}

		delay := p.backoff(attempt)
		p.logger.Debug("publish failed, retrying",
			slog.String("exchange", msg.Exchange),
			slog.String("routing_key", msg.RoutingKey),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			p.drop(msg, "shutdown", p.ctx.Err())
			return
		}
	}
}

func (p *Publisher) accepted(msg broker.Message) {
	p.enqueued.Add(1)
	p.metrics.RecordPublishEnqueued(msg.Exchange)
}

func (p *Publisher) drop(msg broker.Message, reason string, err error) {
	p.dropped.Add(1)
	p.metrics.RecordPublishDropped(msg.Exchange, reason)
	p.logger.Warn("outbound message dropped",
		slog.String("exchange", msg.Exchange),
		slog.String("routing_key", msg.RoutingKey),
		slog.String("message_id", msg.MessageID),
		slog.String("reason", reason),
		slog.Any("error", err))
}
