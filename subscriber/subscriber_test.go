// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/broker/memory"
	"github.com/absmach/fluxsub/deadletter"
	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/retry"
	"github.com/absmach/fluxsub/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Declare(ctx, broker.Topology{
		Exchanges: []broker.Exchange{{Name: "events", Kind: broker.ExchangeTopic}},
		Queues:    []broker.Queue{{Name: "q"}, {Name: "q.dead"}},
		Bindings:  []broker.Binding{{Queue: "q", Exchange: "events", RoutingKey: "users.created"}},
	}))
	return b
}

func publish(t *testing.T, b *memory.Broker, body string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), broker.Message{Exchange: "events", RoutingKey: "users.created", Body: []byte(body)}))
}

func newDispatcher(b *memory.Broker, maxRetries int) *Dispatcher {
	policy := retry.NewPolicy(retry.Config{MaxRetries: maxRetries, Backoff: retry.Constant(10 * time.Millisecond)}, b, deadletter.NewBrokerSink(b, ".dead"), nil, nil)
	return NewDispatcher(policy, nil, nil)
}

func testRoute(h route.Handler) route.Route {
	return route.Route{Subscriber: "users", Action: "created", Exchange: "events", Queue: "q", RoutingKey: "users.created", PoolSize: 1, Prefetch: 1, Handler: h}
}

func pop(t *testing.T, b *memory.Broker) *broker.Delivery {
	t.Helper()
	d, err := b.Pop(context.Background(), "q")
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestDispatcher_AcksOnSuccess(t *testing.T) {
	b := newBroker(t)
	publish(t, b, "x")

	d := pop(t, b)
	newDispatcher(b, 3).Dispatch(context.Background(), pool.Job{Route: testRoute(func(context.Context, *broker.Delivery) error { return nil }), Delivery: d})

	assert.True(t, d.Settled())
	assert.Equal(t, 0, b.Unacked("q"))
	assert.Equal(t, 0, b.Depth("q"))
}

func TestDispatcher_FailureAndPanicGoToRetry(t *testing.T) {
	handlers := map[string]route.Handler{
		"error": func(context.Context, *broker.Delivery) error { return errors.New("boom") },
		"panic": func(context.Context, *broker.Delivery) error { panic("kaboom") },
	}

	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			b := newBroker(t)
			publish(t, b, "x")

			d := pop(t, b)
			newDispatcher(b, 3).Dispatch(context.Background(), pool.Job{Route: testRoute(h), Delivery: d})

			assert.Equal(t, 0, b.Unacked("q"))
			require.Eventually(t, func() bool { return b.Depth("q") == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 1, b.Headers("q")[0].Int(broker.HeaderRetryCount))
		})
	}
}

func TestDispatcher_SettledByHandler(t *testing.T) {
	b := newBroker(t)
	publish(t, b, "x")

	d := pop(t, b)
	h := func(_ context.Context, d *broker.Delivery) error {
		if err := d.Ack(); err != nil {
			return err
		}
		return errors.New("late failure")
	}
	newDispatcher(b, 3).Dispatch(context.Background(), pool.Job{Route: testRoute(h), Delivery: d})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, b.Depth("q"), "no retry copy for an already settled delivery")
	assert.Equal(t, 0, b.Unacked("q"))
}

func TestPush_DeliversToPool(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	var handled atomic.Int32
	rt := testRoute(func(context.Context, *broker.Delivery) error {
		handled.Add(1)
		return nil
	})
	rt.PoolSize, rt.Prefetch = 2, 4
	p, err := reg.NewPool("q", rt.PoolSize, rt.Prefetch, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	s := NewPush(b, rt, p, PushOptions{}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, s.Active())
	assert.Equal(t, 1, b.Consumers("q"))

	for i := 0; i < 10; i++ {
		publish(t, b, "x")
	}
	require.Eventually(t, func() bool { return handled.Load() == 10 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Unacked("q") == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.Active())
	assert.Equal(t, 0, b.Consumers("q"))
}

func TestPush_PoolFullHeldUntilStop(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	release := make(chan struct{})
	rt := testRoute(func(context.Context, *broker.Delivery) error {
		<-release
		return nil
	})
	rt.Prefetch = 3
	p, err := reg.NewPool("q", 1, 1, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	p.Start(context.Background())

	s := NewPush(b, rt, p, PushOptions{}, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	publish(t, b, "x")
	require.Eventually(t, func() bool { return p.Busy() == 1 }, time.Second, 5*time.Millisecond)
	publish(t, b, "x")
	publish(t, b, "x")
	// one running, one queued, one rejected and held
	require.Eventually(t, func() bool {
		return b.Unacked("q") == 3 && p.Busy() == 1 && p.Queued() == 1 && s.Held() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return b.Unacked("q") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, 0, b.Unacked("q"))
	assert.Equal(t, 1, b.Depth("q"))
	require.NoError(t, p.Stop(context.Background()))
}

func TestPush_ClosedPoolHeldUntilStop(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	p, err := reg.NewPool("q", 1, 1, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))

	s := NewPush(b, testRoute(func(context.Context, *broker.Delivery) error { return nil }), p, PushOptions{}, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	publish(t, b, "x")
	require.Eventually(t, func() bool { return s.Held() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Unacked("q"))

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, 0, b.Unacked("q"))
	d := pop(t, b)
	assert.True(t, d.Redelivered)
}

func TestPush_ResubscribesAfterSever(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	var handled atomic.Int32
	rt := testRoute(func(context.Context, *broker.Delivery) error {
		handled.Add(1)
		return nil
	})
	p, err := reg.NewPool("q", 1, 1, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	s := NewPush(b, rt, p, PushOptions{ResubscribeInterval: 5 * time.Millisecond, ResubscribeMax: 20 * time.Millisecond}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	b.Sever()
	assert.Equal(t, 0, b.Consumers("q"))
	require.Eventually(t, func() bool { return b.Consumers("q") == 1 && s.Active() }, time.Second, 5*time.Millisecond)

	publish(t, b, "after")
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoller_ZeroFetchesWhileSaturated(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	release := make(chan struct{})
	rt := testRoute(func(context.Context, *broker.Delivery) error {
		<-release
		return nil
	})
	p, err := reg.NewPool("q", 1, 1, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	p.Start(context.Background())

	poller := NewPoller(b, reg, nil, nil)
	poller.Register(rt, p)
	assert.Equal(t, 1, poller.Len())

	for i := 0; i < 3; i++ {
		publish(t, b, "x")
	}

	stats := poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Fetched)
	require.Eventually(t, reg.Saturated, time.Second, 5*time.Millisecond)

	pops := b.Pops()
	for i := 0; i < 5; i++ {
		stats = poller.Tick(context.Background())
		assert.Equal(t, 1, stats.Skipped)
	}
	assert.Equal(t, pops, b.Pops(), "no fetch attempts while saturated")
	assert.Equal(t, 2, b.Depth("q"))

	close(release)
	require.Eventually(t, func() bool { return !reg.Saturated() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, poller.Tick(context.Background()).Fetched)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoller_RejectedSubmitRequeues(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	rt := testRoute(func(context.Context, *broker.Delivery) error { return nil })
	// registered with another pool's idle worker so the registry is not
	// saturated, while this pool is already stopped
	idle, err := reg.NewPool("idle", 1, 1, func(context.Context, pool.Job) {})
	require.NoError(t, err)
	idle.Start(context.Background())
	defer idle.Stop(context.Background())

	stopped, err := reg.NewPool("q", 1, 1, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	require.NoError(t, stopped.Stop(context.Background()))

	poller := NewPoller(b, reg, nil, nil)
	poller.Register(rt, stopped)
	publish(t, b, "x")

	stats := poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, b.Depth("q"))
	assert.Equal(t, 0, b.Unacked("q"))

	d := pop(t, b)
	assert.True(t, d.Redelivered)
}

func TestPoller_RunStopsWithContext(t *testing.T) {
	b := newBroker(t)
	reg := pool.NewRegistry(nil)

	var handled atomic.Int32
	rt := testRoute(func(context.Context, *broker.Delivery) error {
		handled.Add(1)
		return nil
	})
	p, err := reg.NewPool("q", 2, 2, newDispatcher(b, 3).Run())
	require.NoError(t, err)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	poller := NewPoller(b, reg, nil, nil)
	poller.Register(rt, p)
	for i := 0; i < 3; i++ {
		publish(t, b, "x")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- poller.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
