// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/telemetry"
	"golang.org/x/time/rate"
)

type polled struct {
	route route.Route
	pool  *pool.Pool
}

// TickStats summarizes one poll tick.
type TickStats struct {
	Fetched  int
	Empty    int
	Skipped  int
	Rejected int
	Errors   int
}

// Poller fetches one message per route per tick while workers are idle.
type Poller struct {
	adapter  broker.Adapter
	registry *pool.Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu     sync.RWMutex
	routes []polled
}

// NewPoller creates a poller whose saturation view is registry.
func NewPoller(adapter broker.Adapter, registry *pool.Registry, logger *slog.Logger, metrics *telemetry.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		adapter:  adapter,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a route served by p.
func (p *Poller) Register(rt route.Route, pl *pool.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, polled{route: rt, pool: pl})
}

// Reset removes every registered route.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = nil
}

// Len returns the number of registered routes.
func (p *Poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routes)
}

// Tick visits every route once. A route is skipped without fetching while
// every worker of every pool is busy.
func (p *Poller) Tick(ctx context.Context) TickStats {
	p.mu.RLock()
	routes := make([]polled, len(p.routes))
	copy(routes, p.routes)
	p.mu.RUnlock()

	var stats TickStats
	for _, r := range routes {
		if ctx.Err() != nil {
			return stats
		}
		if p.registry.Saturated() {
			stats.Skipped++
			p.metrics.RecordSaturationSkip()
			continue
		}

		d, err := p.adapter.Pop(ctx, r.route.Queue)
		if err != nil {
			stats.Errors++
			p.logger.Warn("poll fetch failed",
				slog.String("route", r.route.Name()),
				slog.String("queue", r.route.Queue),
				slog.Any("error", err))
			continue
		}
		if d == nil {
			stats.Empty++
			continue
		}

		stats.Fetched++
		p.metrics.RecordReceived(r.route.Name(), r.route.Queue)
		if err := r.pool.Submit(pool.Job{Route: r.route, Delivery: d}); err != nil {
			stats.Rejected++
			p.logger.Debug("pool rejected polled delivery, requeueing",
				slog.String("route", r.route.Name()),
				slog.Any("error", err))
			if nackErr := d.Nack(true); nackErr != nil {
				p.logger.Warn("failed to requeue polled delivery",
					slog.String("route", r.route.Name()),
					slog.Any("error", nackErr))
			}
		}
	}
	return stats
}

// Run ticks at most once per interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	p.logger.Info("poller started",
		slog.Int("routes", p.Len()),
		slog.Duration("interval", interval))

	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.Tick(ctx)
	}
}
