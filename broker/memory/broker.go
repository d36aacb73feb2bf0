// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process broker implementing broker.Adapter.
// It follows AMQP 0.9.1 semantics closely enough for the dispatch engine:
// topic/direct/fanout exchanges, the default exchange, per-consumer prefetch,
// explicit acknowledgement, requeue, queue dead-lettering and delayed
// publishing.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsub/broker"
)

var _ broker.Adapter = (*Broker)(nil)

// Broker is an in-process message broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.Exchange
	queues    map[string]*queue
	bindings  map[broker.Binding]struct{}
	pending   map[*time.Timer]struct{}

	nextTag   uint64
	nextCtag  uint64
	connected atomic.Bool
	closed    bool

	// counters for tests and introspection
	pops      atomic.Int64
	declares  atomic.Int64
	published atomic.Int64
}

type envelope struct {
	exchange    string
	routingKey  string
	body        []byte
	headers     broker.Headers
	messageID   string
	redelivered bool
}

type inflight struct {
	env      *envelope
	consumer *consumer
}

type queue struct {
	cfg       broker.Queue
	ready     []*envelope
	unacked   map[uint64]*inflight
	consumers []*consumer
	next      int
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.Exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[broker.Binding]struct{}),
		pending:   make(map[*time.Timer]struct{}),
	}
}

// Connect marks the broker connected.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	b.connected.Store(true)
	return nil
}

// IsConnected reports whether Connect was called and Close was not.
func (b *Broker) IsConnected() bool {
	return b.connected.Load()
}

// Declare declares exchanges, queues and bindings. Redeclaring is a no-op.
func (b *Broker) Declare(ctx context.Context, topo broker.Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return err
	}

	for _, ex := range topo.Exchanges {
		if ex.Name == broker.DefaultExchange {
			continue
		}
		if existing, ok := b.exchanges[ex.Name]; ok && existing.Kind != ex.Kind {
			return fmt.Errorf("exchange %q redeclared as %s, was %s", ex.Name, ex.Kind, existing.Kind)
		}
		if ex.Kind == "" {
			ex.Kind = broker.ExchangeTopic
		}
		b.exchanges[ex.Name] = ex
		b.declares.Add(1)
	}
	for _, q := range topo.Queues {
		if q.Name == "" {
			return broker.ErrInvalidQueueName
		}
		if _, ok := b.queues[q.Name]; !ok {
			b.queues[q.Name] = &queue{cfg: q, unacked: make(map[uint64]*inflight)}
		}
		b.declares.Add(1)
	}
	for _, bd := range topo.Bindings {
		if _, ok := b.queues[bd.Queue]; !ok {
			return fmt.Errorf("bind %s: %w", bd.Queue, broker.ErrQueueNotFound)
		}
		if _, ok := b.exchanges[bd.Exchange]; !ok {
			return fmt.Errorf("bind %s: %w", bd.Exchange, broker.ErrExchangeNotFound)
		}
		b.bindings[bd] = struct{}{}
		b.declares.Add(1)
	}
	return nil
}

// Publish routes a message to every matching queue. Unroutable messages are
// dropped, as with a non-mandatory AMQP publish.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	env := &envelope{
		exchange:   msg.Exchange,
		routingKey: msg.RoutingKey,
		body:       append([]byte(nil), msg.Body...),
		headers:    msg.Headers.Clone(),
		messageID:  msg.MessageID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return err
	}
	if msg.Exchange != broker.DefaultExchange {
		if _, ok := b.exchanges[msg.Exchange]; !ok {
			return fmt.Errorf("publish to %q: %w", msg.Exchange, broker.ErrExchangeNotFound)
		}
	}
	b.published.Add(1)

	if msg.Delay > 0 {
		var t *time.Timer
		t = time.AfterFunc(msg.Delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.pending, t)
			if b.closed {
				return
			}
			b.routeLocked(env)
		})
		b.pending[t] = struct{}{}
		return nil
	}

	b.routeLocked(env)
	return nil
}

// Pop removes the head of a queue and returns it unacknowledged.
func (b *Broker) Pop(ctx context.Context, name string) (*broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return nil, err
	}
	b.pops.Add(1)

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("pop %s: %w", name, broker.ErrQueueNotFound)
	}
	if len(q.ready) == 0 {
		return nil, nil
	}
	env := q.ready[0]
	q.ready = q.ready[1:]
	return b.deliverLocked(q, env, nil), nil
}

// Close closes every consumer and drops pending delayed messages.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.connected.Store(false)

	for t := range b.pending {
		t.Stop()
	}
	b.pending = nil
	for _, q := range b.queues {
		for _, c := range q.consumers {
			c.stop()
		}
		q.consumers = nil
	}
	return nil
}

// Sever simulates a lost connection: every consumer registration ends and
// its unacknowledged deliveries are requeued as redelivered.
func (b *Broker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.queues {
		var requeue []*envelope
		for tag, inf := range q.unacked {
			if inf.consumer != nil {
				inf.env.redelivered = true
				requeue = append(requeue, inf.env)
				delete(q.unacked, tag)
			}
		}
		q.ready = append(requeue, q.ready...)
		for _, c := range q.consumers {
			c.stop()
		}
		q.consumers = nil
	}
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of unacknowledged deliveries of a queue.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.unacked)
	}
	return 0
}

// Messages returns copies of the bodies ready in a queue, head first.
func (b *Broker) Messages(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, env := range q.ready {
		out = append(out, append([]byte(nil), env.body...))
	}
	return out
}

// Headers returns the headers of the messages ready in a queue, head first.
func (b *Broker) Headers(name string) []broker.Headers {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]broker.Headers, 0, len(q.ready))
	for _, env := range q.ready {
		out = append(out, env.headers.Clone())
	}
	return out
}

// Consumers returns the number of live consumers on a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bindings returns the number of distinct bindings.
func (b *Broker) Bindings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// HasQueue reports whether a queue was declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Pops returns the number of Pop calls made so far.
func (b *Broker) Pops() int64 {
	return b.pops.Load()
}

// Published returns the number of accepted publishes.
func (b *Broker) Published() int64 {
	return b.published.Load()
}

func (b *Broker) checkLocked() error {
	if b.closed {
		return broker.ErrClosed
	}
	if !b.connected.Load() {
		return broker.ErrNotConnected
	}
	return nil
}

func (b *Broker) routeLocked(env *envelope) {
	if env.exchange == broker.DefaultExchange {
		if q, ok := b.queues[env.routingKey]; ok {
			b.enqueueLocked(q, env)
		}
		return
	}

	ex, ok := b.exchanges[env.exchange]
	if !ok {
		return
	}
	for bd := range b.bindings {
		if bd.Exchange != ex.Name || !bindingMatches(ex.Kind, bd.RoutingKey, env.routingKey) {
			continue
		}
		if q, ok := b.queues[bd.Queue]; ok {
			cp := *env
			cp.headers = env.headers.Clone()
			b.enqueueLocked(q, &cp)
		}
	}
}

func (b *Broker) enqueueLocked(q *queue, env *envelope) {
	q.ready = append(q.ready, env)
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers with prefetch headroom,
// round-robin.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := b.nextConsumerLocked(q)
		if c == nil {
			return
		}
		env := q.ready[0]
		q.ready = q.ready[1:]
		d := b.deliverLocked(q, env, c)
		c.inflight++
		c.push(d)
	}
}

func (b *Broker) nextConsumerLocked(q *queue) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.inflight < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) deliverLocked(q *queue, env *envelope, c *consumer) *broker.Delivery {
	b.nextTag++
	tag := b.nextTag
	q.unacked[tag] = &inflight{env: env, consumer: c}

	return &broker.Delivery{
		Body:         env.body,
		Headers:      env.headers.Clone(),
		Exchange:     env.exchange,
		RoutingKey:   env.routingKey,
		Queue:        q.cfg.Name,
		MessageID:    env.messageID,
		Tag:          tag,
		Redelivered:  env.redelivered,
		Acknowledger: &acker{broker: b, queue: q.cfg.Name},
	}
}

func (b *Broker) settle(queueName string, tag uint64) (*queue, *inflight, error) {
	q, ok := b.queues[queueName]
	if !ok {
		return nil, nil, broker.ErrQueueNotFound
	}
	inf, ok := q.unacked[tag]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", broker.ErrUnknownDelivery, tag)
	}
	delete(q.unacked, tag)
	if inf.consumer != nil && inf.consumer.inflight > 0 {
		inf.consumer.inflight--
	}
	return q, inf, nil
}

func (b *Broker) deadLetterLocked(q *queue, env *envelope, reason string) {
	if q.cfg.DeadLetterExchange == "" && q.cfg.DeadLetterRoutingKey == "" {
		return
	}
	rk := q.cfg.DeadLetterRoutingKey
	if rk == "" {
		rk = env.routingKey
	}
	headers := env.headers.Clone()
	headers["x-first-death-reason"] = reason
	headers["x-first-death-queue"] = q.cfg.Name
	b.routeLocked(&envelope{
		exchange:   q.cfg.DeadLetterExchange,
		routingKey: rk,
		body:       env.body,
		headers:    headers,
		messageID:  env.messageID,
	})
}

func (b *Broker) consumerTag(queueName string) string {
	b.nextCtag++
	return "ctag-" + queueName + "-" + strconv.FormatUint(b.nextCtag, 10)
}
