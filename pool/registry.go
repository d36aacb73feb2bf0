// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Stats is a snapshot of one pool.
type Stats struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Busy   int    `json:"busy"`
	Queued int    `json:"queued"`
}

// Registry owns every pool of the process and tracks idle workers across
// all of them with one counter.
type Registry struct {
	logger *slog.Logger
	idle   atomic.Int64

	mu    sync.RWMutex
	pools map[string]*Pool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// NewPool creates and registers a pool. queueSize <= 0 defaults to size.
func (r *Registry) NewPool(name string, size, queueSize int, run RunFunc) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidSize)
	}
	if queueSize <= 0 {
		queueSize = size
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrPoolExists)
	}

	p := &Pool{
		name:   name,
		size:   size,
		run:    run,
		idle:   &r.idle,
		logger: r.logger,
		jobs:   make(chan Job, queueSize),
	}
	r.pools[name] = p
	r.order = append(r.order, name)
	return p, nil
}

// Get returns the pool registered under name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Saturated reports whether no worker in any pool is idle. With no running
// workers at all it is true.
func (r *Registry) Saturated() bool {
	return r.idle.Load() <= 0
}

// Idle returns the number of idle workers across all pools.
func (r *Registry) Idle() int {
	return int(r.idle.Load())
}

// Stats returns a snapshot of every pool in creation order.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.order))
	for _, name := range r.order {
		p := r.pools[name]
		out = append(out, Stats{Name: p.name, Size: p.size, Busy: p.Busy(), Queued: p.Queued()})
	}
	return out
}

// StartAll starts every registered pool.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		r.pools[name].Start(ctx)
	}
}

// StopAll stops every pool concurrently, sharing the ctx deadline, and
// removes them from the registry.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.order))
	for _, name := range r.order {
		pools = append(pools, r.pools[name])
	}
	r.pools = make(map[string]*Pool)
	r.order = nil
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}
