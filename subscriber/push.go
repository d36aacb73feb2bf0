// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/telemetry"
)

var ErrAlreadyStarted = errors.New("subscriber already started")

// PushOptions configures re-registration after a lost consumer.
type PushOptions struct {
	ResubscribeInterval time.Duration
	ResubscribeMax      time.Duration
}

// Push keeps one broker consumer registered for a route and submits every
// delivery to the route pool.
type Push struct {
	adapter broker.Adapter
	route   route.Route
	pool    *pool.Pool
	backoff retry.BackoffFunc
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	consumer broker.Consumer
	cancel   context.CancelFunc
	done     chan struct{}

	heldMu sync.Mutex
	held   []*broker.Delivery
}

// NewPush creates a push subscriber for rt backed by p.
func NewPush(adapter broker.Adapter, rt route.Route, p *pool.Pool, opts PushOptions, logger *slog.Logger, metrics *telemetry.Metrics) *Push {
	if logger == nil {
		logger = slog.Default()
	}
	return &Push{
		adapter: adapter,
		route:   rt,
		pool:    p,
		backoff: resubscribeBackoff(opts.ResubscribeInterval, opts.ResubscribeMax),
		logger:  logger,
		metrics: metrics,
	}
}

// Route returns the subscribed route.
func (s *Push) Route() route.Route {
	return s.route
}

// Start registers the consumer and watches it until Stop. A consumer lost
// after Start is registered again with backoff.
func (s *Push) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyStarted
	}

	c, err := s.subscribe(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.consumer = c
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watch(ctx, c, s.done)

	s.logger.Info("consumer registered",
		slog.String("route", s.route.Name()),
		slog.String("queue", s.route.Queue),
		slog.String("tag", c.Tag()),
		slog.Int("prefetch", s.route.Prefetch))
	return nil
}

// Active reports whether a consumer is currently registered.
func (s *Push) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer == nil {
		return false
	}
	select {
	case <-s.consumer.Done():
		return false
	default:
		return true
	}
}

// Stop cancels the consumer and the watcher. Deliveries already handed to
// the pool stay owned by their workers; deliveries the pool rejected are
// requeued.
func (s *Push) Stop() error {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	c := s.consumer
	s.consumer = nil
	s.done = nil
	s.mu.Unlock()

	var err error
	if c != nil {
		err = c.Cancel()
	}
	s.releaseHeld()
	return err
}

func (s *Push) subscribe(ctx context.Context) (broker.Consumer, error) {
	return s.adapter.Consume(ctx, broker.ConsumeOptions{
		Queue:    s.route.Queue,
		Prefetch: s.route.Prefetch,
	}, s.handle)
}

func (s *Push) handle(d *broker.Delivery) {
	s.metrics.RecordReceived(s.route.Name(), s.route.Queue)

	err := s.pool.Submit(pool.Job{Route: s.route, Delivery: d})
	if err == nil {
		return
	}
	// Held unacked until Stop or a lost consumer: prefetch stops further
	// pushes, and requeueing now would hand the delivery straight back.
	s.logger.Warn("pool rejected delivery, holding it unacknowledged",
		slog.String("route", s.route.Name()),
		slog.Uint64("tag", d.Tag),
		slog.Any("error", err))
	s.heldMu.Lock()
	s.held = append(s.held, d)
	s.heldMu.Unlock()
}

// Held returns the number of rejected deliveries waiting to be requeued.
func (s *Push) Held() int {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	return len(s.held)
}

func (s *Push) releaseHeld() {
	s.heldMu.Lock()
	held := s.held
	s.held = nil
	s.heldMu.Unlock()

	for _, d := range held {
		if err := d.Nack(true); err != nil {
			// The broker already took it back with the consumer's channel.
			s.logger.Debug("requeue of rejected delivery failed",
				slog.String("route", s.route.Name()),
				slog.Uint64("tag", d.Tag),
				slog.Any("error", err))
		}
	}
}

func (s *Push) watch(ctx context.Context, c broker.Consumer, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("consumer severed, resubscribing",
			slog.String("route", s.route.Name()),
			slog.String("tag", c.Tag()))
		s.releaseHeld()

		c = s.resubscribe(ctx)
		if c == nil {
			return
		}
		s.mu.Lock()
		s.consumer = c
		s.mu.Unlock()
	}
}

// resubscribe retries Consume until it succeeds or ctx ends.
func (s *Push) resubscribe(ctx context.Context) broker.Consumer {
	for attempt := 1; ; attempt++ {
		delay := s.backoff(attempt)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		c, err := s.subscribe(ctx)
		if err == nil {
			s.logger.Info("consumer re-registered",
				slog.String("route", s.route.Name()),
				slog.String("tag", c.Tag()),
				slog.Int("attempts", attempt))
			return c
		}
		s.logger.Warn("resubscribe failed",
			slog.String("route", s.route.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", s.backoff(attempt+1)),
			slog.Any("error", err))
	}
}

func resubscribeBackoff(min, max time.Duration) retry.BackoffFunc {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return retry.Exponential(min, max)
}
