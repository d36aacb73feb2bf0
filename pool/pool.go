// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool runs route handlers on bounded sets of worker goroutines.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/route"
)

var (
	ErrPoolFull    = errors.New("pool job queue is full")
	ErrPoolClosed  = errors.New("pool is stopped")
	ErrPoolExists  = errors.New("pool already exists")
	ErrInvalidSize = errors.New("pool size must be positive")
)

// Job is one delivery to run through its route's handler.
type Job struct {
	Route    route.Route
	Delivery *broker.Delivery
}

// RunFunc processes a job. It must settle the delivery.
type RunFunc func(ctx context.Context, job Job)

// Pool is a fixed set of workers reading a bounded job queue.
type Pool struct {
	name   string
	size   int
	run    RunFunc
	idle   *atomic.Int64
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    chan Job
	started bool
	closed  bool

	busy   atomic.Int64
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Busy returns the number of workers running a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Queued returns the number of accepted jobs no worker has picked up yet.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Start launches the workers. Jobs run with a context derived from ctx that
// is cancelled when Stop gives up waiting. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		p.idle.Add(1)
		go p.worker(ctx)
	}

	p.logger.Debug("worker pool started",
		slog.String("pool", p.name),
		slog.Int("size", p.size),
		slog.Int("queue_size", cap(p.jobs)))
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop rejects new jobs, lets workers finish the queued ones and waits for
// them until ctx expires. Jobs still running at that point see their
// context cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker pool stop timed out",
			slog.String("pool", p.name),
			slog.Int("busy", p.Busy()),
			slog.Int("queued", len(p.jobs)))
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	defer p.idle.Add(-1)

	for job := range p.jobs {
		p.idle.Add(-1)
		p.busy.Add(1)
		p.run(ctx, job)
		p.busy.Add(-1)
		p.idle.Add(1)
	}
}
