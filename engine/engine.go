// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the route table, the broker adapter, the worker pools
// and the publisher into one lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/deadletter"
	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/publisher"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/route"
	"github.com/absmach/fluxsub/subscriber"
	"github.com/absmach/fluxsub/telemetry"
)

var (
	ErrNilAdapter    = errors.New("broker adapter cannot be nil")
	ErrNilRoutes     = errors.New("route set cannot be nil")
	ErrInvalidMode   = errors.New("invalid subscriber mode")
	ErrNotActive     = errors.New("engine is not active")
	ErrAlreadyActive = errors.New("engine is already active")
	ErrNotPollMode   = errors.New("engine is not in pop mode")
	ErrNoPublisher   = errors.New("engine has no publisher")
)

// Config wires the engine's collaborators.
type Config struct {
	Adapter   broker.Adapter
	Routes    *route.RouteSet
	Policy    *retry.Policy
	Publisher *publisher.Publisher

	// Mode is config.ModeSubscribe or config.ModePop.
	Mode string
	// DeadLetterSuffix declares a dead-letter queue per route when set.
	DeadLetterSuffix string

	PollInterval        time.Duration
	DrainTimeout        time.Duration
	ResubscribeInterval time.Duration
	ResubscribeMax      time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine runs every route of a RouteSet against one broker adapter.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	registry   *pool.Registry
	dispatcher *subscriber.Dispatcher
	poller     *subscriber.Poller

	mu       sync.Mutex
	declared bool
	active   bool
	pushes   []*subscriber.Push
	stopPoll context.CancelFunc
}

// New creates an engine. Nothing touches the broker until Setup.
func New(cfg Config) (*Engine, error) {
	if cfg.Adapter == nil {
		return nil, ErrNilAdapter
	}
	if cfg.Routes == nil {
		return nil, ErrNilRoutes
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeSubscribe
	}
	if cfg.Mode != config.ModeSubscribe && cfg.Mode != config.ModePop {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		suffix := cfg.DeadLetterSuffix
		if suffix == "" {
			suffix = config.Default().Retry.DeadLetterSuffix
		}
		sink := deadletter.NewBrokerSink(cfg.Adapter, suffix)
		cfg.Policy = retry.NewPolicy(retry.Config{}, cfg.Adapter, sink, cfg.Logger, cfg.Metrics)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.Default().Subscriber.DrainTimeout
	}

	registry := pool.NewRegistry(cfg.Logger)
	return &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		registry:   registry,
		dispatcher: subscriber.NewDispatcher(cfg.Policy, cfg.Logger, cfg.Metrics),
		poller:     subscriber.NewPoller(cfg.Adapter, registry, cfg.Logger, cfg.Metrics),
	}, nil
}

// FromConfig fills the tunables of an engine Config from the process config.
// The dead-letter queues are declared whatever the sink: they also catch
// messages rejected when the sink itself fails.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Mode:             cfg.Subscriber.Mode,
		DeadLetterSuffix: cfg.Retry.DeadLetterSuffix,
		PollInterval:     cfg.Subscriber.PollInterval,
		DrainTimeout:     cfg.Subscriber.DrainTimeout,
		ResubscribeMax:   cfg.Subscriber.ResubscribeMax,
	}
}

// Setup connects the adapter and declares the topology of every route.
// Calling it again is a no-op.
func (e *Engine) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupLocked(ctx)
}

func (e *Engine) setupLocked(ctx context.Context) error {
	if e.declared {
		return nil
	}
	if !e.cfg.Adapter.IsConnected() {
		if err := e.cfg.Adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	topo := e.cfg.Routes.Topology(e.cfg.DeadLetterSuffix)
	if err := e.cfg.Adapter.Declare(ctx, topo); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	e.declared = true

	e.logger.Info("topology declared",
		slog.Int("exchanges", len(topo.Exchanges)),
		slog.Int("queues", len(topo.Queues)),
		slog.Int("bindings", len(topo.Bindings)))
	return nil
}

// Activate starts consuming every route in the configured mode. In subscribe
// mode each route gets a push consumer; in pop mode routes are registered
// with the poller, driven by Tick or Poll.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return ErrAlreadyActive
	}
	if err := e.setupLocked(ctx); err != nil {
		return err
	}

	routes := e.cfg.Routes.Routes()
	windows := prefetchWindows(routes)
	pools := make([]*pool.Pool, len(routes))
	for i, rt := range routes {
		p, err := e.poolFor(rt, windows[rt.PoolName])
		if err != nil {
			e.stopPoolsLocked()
			return err
		}
		pools[i] = p
	}
	// Handlers must outlive the caller's cancellation so Cancel can drain them.
	e.registry.StartAll(context.WithoutCancel(ctx))

	switch e.cfg.Mode {
	case config.ModeSubscribe:
		for i, rt := range routes {
			s := subscriber.NewPush(e.cfg.Adapter, rt, pools[i], subscriber.PushOptions{
				ResubscribeInterval: e.cfg.ResubscribeInterval,
				ResubscribeMax:      e.cfg.ResubscribeMax,
			}, e.logger, e.cfg.Metrics)
			if err := s.Start(ctx); err != nil {
				e.stopPushesLocked()
				e.stopPoolsLocked()
				return fmt.Errorf("subscribe %s: %w", rt.Name(), err)
			}
			e.pushes = append(e.pushes, s)
		}
	case config.ModePop:
		for i, rt := range routes {
			e.poller.Register(rt, pools[i])
		}
	}

	e.active = true
	e.logger.Info("engine activated",
		slog.String("mode", e.cfg.Mode),
		slog.Int("routes", len(routes)),
		slog.Int("pools", len(e.registry.Stats())))
	return nil
}

// poolFor returns the pool named by the route, creating it on first use.
// Routes sharing a pool name share its workers. The job queue holds at
// least window jobs, so every delivery the broker may push to the pool's
// routes fits.
func (e *Engine) poolFor(rt route.Route, window int) (*pool.Pool, error) {
	if p, ok := e.registry.Get(rt.PoolName); ok {
		return p, nil
	}
	p, err := e.registry.NewPool(rt.PoolName, rt.PoolSize, max(rt.PoolSize, window), e.dispatcher.Run())
	if err != nil {
		return nil, fmt.Errorf("pool for %s: %w", rt.Name(), err)
	}
	return p, nil
}

// prefetchWindows sums the prefetch of the routes sharing each pool.
func prefetchWindows(routes []route.Route) map[string]int {
	windows := make(map[string]int)
	for _, rt := range routes {
		windows[rt.PoolName] += rt.Prefetch
	}
	return windows
}

// stopPoolsLocked undoes a partial Activate.
func (e *Engine) stopPoolsLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	if err := e.registry.StopAll(ctx); err != nil {
		e.logger.Error("failed to stop worker pools", slog.Any("error", err))
	}
}

// Tick runs one poll pass. Only valid in pop mode after Activate.
func (e *Engine) Tick(ctx context.Context) (subscriber.TickStats, error) {
	if err := e.checkPoll(); err != nil {
		return subscriber.TickStats{}, err
	}
	return e.poller.Tick(ctx), nil
}

// Poll ticks at the configured interval until ctx is done or Cancel is
// called.
func (e *Engine) Poll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if err := e.checkPollLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.stopPoll = cancel
	e.mu.Unlock()

	err := e.poller.Run(ctx, e.cfg.PollInterval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) checkPoll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkPollLocked()
}

func (e *Engine) checkPollLocked() error {
	if !e.active {
		return ErrNotActive
	}
	if e.cfg.Mode != config.ModePop {
		return ErrNotPollMode
	}
	return nil
}

// Cancel stops consumption and waits up to the drain timeout, or ctx, for
// in-flight handlers. Handlers still running after that see their context
// cancelled.
func (e *Engine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}

	e.stopPushesLocked()
	if e.stopPoll != nil {
		e.stopPoll()
		e.stopPoll = nil
	}
	e.poller.Reset()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()
	err := e.registry.StopAll(ctx)
	e.active = false

	if err != nil {
		e.logger.Warn("engine cancelled with handlers still running", slog.Any("error", err))
		return err
	}
	e.logger.Info("engine cancelled")
	return nil
}

func (e *Engine) stopPushesLocked() {
	for _, s := range e.pushes {
		if err := s.Stop(); err != nil {
			e.logger.Warn("failed to cancel consumer",
				slog.String("route", s.Route().Name()),
				slog.Any("error", err))
		}
	}
	e.pushes = nil
}

// Publish enqueues an outbound message on the publisher.
func (e *Engine) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts ...publisher.Option) error {
	if e.cfg.Publisher == nil {
		return ErrNoPublisher
	}
	return e.cfg.Publisher.Publish(ctx, exchange, routingKey, payload, opts...)
}

// Shutdown cancels consumption, drains the publisher and closes the adapter.
// The host calls it once, last.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.Cancel(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cancel: %w", err))
	}
	if e.cfg.Publisher != nil {
		if err := e.cfg.Publisher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if err := e.cfg.Adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close adapter: %w", err))
	}
	return errors.Join(errs...)
}

// Routes returns the route table.
func (e *Engine) Routes() []route.Route {
	return e.cfg.Routes.Routes()
}

// RouteInfos returns the introspection view of the route table.
func (e *Engine) RouteInfos() []route.Info {
	return e.cfg.Routes.Infos()
}

// Pools returns a snapshot of the running pools.
func (e *Engine) Pools() []pool.Stats {
	return e.registry.Stats()
}

// Saturated reports whether every worker of every pool is busy.
func (e *Engine) Saturated() bool {
	return e.registry.Saturated()
}

// Mode returns the consumption mode.
func (e *Engine) Mode() string {
	return e.cfg.Mode
}

// Active reports whether the engine is consuming.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Ready reports whether the engine is consuming over a live connection.
func (e *Engine) Ready() bool {
	return e.Active() && e.cfg.Adapter.IsConnected()
}

// PrintRoutes writes the route table grouped by subscriber.
func (e *Engine) PrintRoutes(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, sub := range e.cfg.Routes.Subscribers() {
		fmt.Fprintf(tw, "%s\n", sub)
		for _, rt := range e.cfg.Routes.BySubscriber(sub) {
			fmt.Fprintf(tw, "  %s\t%s\t%s -> %s\tpool=%s\tsize=%d\tprefetch=%d\n",
				rt.Action, rt.Exchange, rt.RoutingKey, rt.Queue, rt.PoolName, rt.PoolSize, rt.Prefetch)
		}
	}
	return tw.Flush()
}

// LogRoutes logs one line per route, grouped by subscriber.
func (e *Engine) LogRoutes() {
	for _, sub := range e.cfg.Routes.Subscribers() {
		for _, rt := range e.cfg.Routes.BySubscriber(sub) {
			e.logger.Info("route",
				slog.String("subscriber", sub),
				slog.String("action", rt.Action),
				slog.String("exchange", rt.Exchange),
				slog.String("routing_key", rt.RoutingKey),
				slog.String("queue", rt.Queue),
				slog.String("pool", rt.PoolName),
				slog.Int("pool_size", rt.PoolSize))
		}
	}
}
