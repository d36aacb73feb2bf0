// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/broker/memory"
	"github.com/absmach/fluxsub/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []broker.Message
}

func (s *blockingSender) Publish(ctx context.Context, msg broker.Message) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

type flakySender struct {
	failures int32
	calls    atomic.Int32
}

func (s *flakySender) Publish(ctx context.Context, msg broker.Message) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("connection reset")
	}
	return nil
}

func testConfig() config.PublisherConfig {
	return config.PublisherConfig{
		BufferCapacity:   16,
		DrainTimeout:     time.Second,
		MaxAttempts:      3,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			ResetTimeout:     time.Second,
		},
	}
}

func newMemory(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New()
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Declare(context.Background(), broker.Topology{
		Exchanges: []broker.Exchange{{Name: "events", Kind: broker.ExchangeTopic}},
		Queues:    []broker.Queue{{Name: "out"}},
		Bindings:  []broker.Binding{{Queue: "out", Exchange: "events", RoutingKey: "#"}},
	}))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNew_NilSender(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilSender)
}

func TestPublish_FIFOAndDrain(t *testing.T) {
	b := newMemory(t)
	p, err := New(testConfig(), b, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(context.Background(), "events", "users.created", []byte(strconv.Itoa(i))))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	msgs := b.Messages("out")
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, strconv.Itoa(i), string(m))
	}

	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.Enqueued)
	assert.Equal(t, uint64(10), stats.Published)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Buffered)
}

func TestPublish_Options(t *testing.T) {
	s := &blockingSender{release: make(chan struct{})}
	close(s.release)
	p, err := New(testConfig(), s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x"),
		WithHeaders(broker.Headers{"tenant": "acme"}),
		WithMessageID("msg-1")))
	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("y")))
	require.NoError(t, p.Shutdown(context.Background()))

	require.Len(t, s.sent, 2)
	assert.Equal(t, "msg-1", s.sent[0].MessageID)
	assert.Equal(t, "acme", s.sent[0].Headers.String("tenant"))
	assert.NotEmpty(t, s.sent[1].MessageID)
	assert.NotEqual(t, "msg-1", s.sent[1].MessageID)
}

func TestPublish_NonBlockingWhileSenderStalls(t *testing.T) {
	s := &blockingSender{release: make(chan struct{})}
	p, err := New(testConfig(), s, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x")))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(s.release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, uint64(10), p.Stats().Published)
}

func TestPublish_BufferFull(t *testing.T) {
	s := &blockingSender{release: make(chan struct{})}
	cfg := testConfig()
	cfg.BufferCapacity = 1
	p, err := New(cfg, s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("1")))
	require.Eventually(t, func() bool { return p.Stats().Buffered == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("2")))
	assert.ErrorIs(t, p.Publish(context.Background(), "events", "k", []byte("3")), ErrBufferFull)

	close(s.release)
	require.NoError(t, p.Shutdown(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestPublish_EnqueueTimeoutWaitsForRoom(t *testing.T) {
	s := &blockingSender{release: make(chan struct{})}
	cfg := testConfig()
	cfg.BufferCapacity = 1
	cfg.EnqueueTimeout = time.Second
	p, err := New(cfg, s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("1")))
	require.Eventually(t, func() bool { return p.Stats().Buffered == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("2")))

	time.AfterFunc(20*time.Millisecond, func() { close(s.release) })
	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("3")))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, uint64(3), p.Stats().Published)
}

func TestPublish_AfterShutdown(t *testing.T) {
	p, err := New(testConfig(), newMemory(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.ErrorIs(t, p.Publish(context.Background(), "events", "k", []byte("x")), ErrClosed)
}

func TestShutdown_DrainTimeoutDropsRemainder(t *testing.T) {
	s := &blockingSender{release: make(chan struct{})}
	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	p, err := New(cfg, s, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x")))
	}

	err = p.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimeout)

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Enqueued)
	assert.Equal(t, stats.Enqueued, stats.Published+stats.Dropped)
	assert.Equal(t, uint64(5), stats.Dropped)
}

func TestSend_RetriesTransientFailures(t *testing.T) {
	s := &flakySender{failures: 2}
	p, err := New(testConfig(), s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x")))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(3), s.calls.Load())
	assert.Equal(t, uint64(1), p.Stats().Published)
	assert.Zero(t, p.Stats().Dropped)
}

func TestSend_DropsAfterMaxAttempts(t *testing.T) {
	s := &flakySender{failures: 1000}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	p, err := New(cfg, s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x")))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestSend_BreakerOpensAfterThreshold(t *testing.T) {
	s := &flakySender{failures: 1000}
	cfg := testConfig()
	cfg.MaxAttempts = 5
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.ResetTimeout = time.Minute
	p, err := New(cfg, s, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "events", "k", []byte("x")))
	require.NoError(t, p.Shutdown(context.Background()))

	// the open breaker short-circuits the remaining attempts
	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}
