// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/fluxsub/broker"
)

// DefaultPrefetch bounds in-flight deliveries when a consumer asks for 0.
const DefaultPrefetch = 256

type consumer struct {
	tag      string
	queue    string
	prefetch int
	inflight int
	fn       broker.DeliveryFunc

	// deliveries is sized to prefetch, so push never blocks while the
	// broker lock is held.
	deliveries chan *broker.Delivery
	done       chan struct{}
	exited     chan struct{}
	once       sync.Once
	broker     *Broker

	// unowned holds a delivery received by run after stop. It is only
	// touched by run and, once exited is closed, by Cancel.
	unowned []*broker.Delivery
}

func (c *consumer) Tag() string {
	return c.tag
}

func (c *consumer) Done() <-chan struct{} {
	return c.done
}

// Cancel removes the consumer from its queue and waits for the delivery
// loop to return. Deliveries that never reached fn are requeued as
// redelivered; the ones fn received stay unacknowledged until their owners
// settle them. Cancel must not be called from fn.
func (c *consumer) Cancel() error {
	b := c.broker
	b.mu.Lock()
	if q, ok := b.queues[c.queue]; ok {
		for i, other := range q.consumers {
			if other == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	c.stop()
	b.mu.Unlock()

	<-c.exited

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeueUnownedLocked(c)
	return nil
}

func (c *consumer) push(d *broker.Delivery) {
	select {
	case c.deliveries <- d:
	case <-c.done:
	}
}

func (c *consumer) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *consumer) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *consumer) run() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case d := <-c.deliveries:
			if c.stopped() {
				c.unowned = append(c.unowned, d)
				return
			}
			c.fn(d)
		}
	}
}

// requeueUnownedLocked puts back the deliveries a stopped consumer still
// buffers. Tags already settled or requeued by Sever are skipped.
func (b *Broker) requeueUnownedLocked(c *consumer) {
	pending := c.unowned
	c.unowned = nil
drain:
	for {
		select {
		case d := <-c.deliveries:
			pending = append(pending, d)
		default:
			break drain
		}
	}

	q, ok := b.queues[c.queue]
	if !ok || len(pending) == 0 {
		return
	}
	var requeue []*envelope
	for _, d := range pending {
		inf, ok := q.unacked[d.Tag]
		if !ok {
			continue
		}
		delete(q.unacked, d.Tag)
		inf.env.redelivered = true
		requeue = append(requeue, inf.env)
	}
	q.ready = append(requeue, q.ready...)
	b.dispatchLocked(q)
}

// Consume registers a push consumer.
func (b *Broker) Consume(ctx context.Context, opts broker.ConsumeOptions, fn broker.DeliveryFunc) (broker.Consumer, error) {
	if fn == nil {
		return nil, broker.ErrNilHandler
	}
	if opts.Queue == "" {
		return nil, broker.ErrInvalidQueueName
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return nil, err
	}
	q, ok := b.queues[opts.Queue]
	if !ok {
		return nil, broker.ErrQueueNotFound
	}

	tag := opts.Tag
	if tag == "" {
		tag = b.consumerTag(opts.Queue)
	}
	c := &consumer{
		tag:        tag,
		queue:      opts.Queue,
		prefetch:   prefetch,
		fn:         fn,
		deliveries: make(chan *broker.Delivery, prefetch),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		broker:     b,
	}
	q.consumers = append(q.consumers, c)
	go c.run()

	b.dispatchLocked(q)
	return c, nil
}

type acker struct {
	broker *Broker
	queue  string
}

func (a *acker) Ack(tag uint64) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, _, err := b.settle(a.queue, tag)
	if err != nil {
		return err
	}
	b.dispatchLocked(q)
	return nil
}

func (a *acker) Nack(tag uint64, requeue bool) error {
	return a.reject(tag, requeue, "rejected")
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	return a.reject(tag, requeue, "rejected")
}

func (a *acker) reject(tag uint64, requeue bool, reason string) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, inf, err := b.settle(a.queue, tag)
	if err != nil {
		return err
	}
	if requeue {
		inf.env.redelivered = true
		q.ready = append([]*envelope{inf.env}, q.ready...)
	} else {
		b.deadLetterLocked(q, inf.env, reason)
	}
	b.dispatchLocked(q)
	return nil
}
