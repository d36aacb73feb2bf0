// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsub/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// channel is the part of *amqp091.Channel that settles deliveries.
type channel interface {
	IsClosed() bool
	Cancel(consumer string, noWait bool) error
	Close() error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

type consumer struct {
	tag     string
	ch      channel
	adapter *Adapter
	mu      sync.Mutex // serializes acks and cancel on ch
	done    chan struct{}
	once    sync.Once

	// inflight counts deliveries handed to fn and not yet settled.
	inflight  atomic.Int64
	cancelled atomic.Bool
	release   sync.Once
}

func (c *consumer) Tag() string {
	return c.tag
}

func (c *consumer) Done() <-chan struct{} {
	return c.done
}

// Cancel issues basic.cancel and waits for the delivery stream to end. The
// channel stays open while workers still own deliveries from it, and is
// closed once the last one is settled.
func (c *consumer) Cancel() error {
	c.mu.Lock()
	if c.ch.IsClosed() {
		c.mu.Unlock()
		c.releaseChannel()
		return nil
	}
	err := c.ch.Cancel(c.tag, false)
	c.mu.Unlock()
	if err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("cancel consumer %s: %w", c.tag, err)
	}

	c.cancelled.Store(true)
	<-c.done
	c.releaseIfSettled()
	return nil
}

// settled is called after every ack, nack or reject of a delivery.
func (c *consumer) settled() {
	c.inflight.Add(-1)
	c.releaseIfSettled()
}

func (c *consumer) releaseIfSettled() {
	if !c.cancelled.Load() || c.inflight.Load() > 0 {
		return
	}
	select {
	case <-c.done:
		c.releaseChannel()
	default:
	}
}

// releaseChannel closes the channel and forgets the consumer.
func (c *consumer) releaseChannel() {
	c.release.Do(func() {
		if err := c.close(); err != nil {
			c.adapter.logger.Debug("close consumer channel",
				slog.String("tag", c.tag),
				slog.Any("error", err))
		}
		c.adapter.forget(c)
	})
}

func (c *consumer) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

func (c *consumer) finish() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Consume opens a dedicated channel with the route prefetch and starts a
// basic.consume loop. Done is closed when the delivery stream ends, which
// happens on Cancel or when the channel or connection is lost.
func (a *Adapter) Consume(ctx context.Context, opts broker.ConsumeOptions, fn broker.DeliveryFunc) (broker.Consumer, error) {
	if fn == nil {
		return nil, broker.ErrNilHandler
	}
	if opts.Queue == "" {
		return nil, broker.ErrInvalidQueueName
	}

	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set prefetch on %s: %w", opts.Queue, err)
		}
	}

	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + strings.ReplaceAll(opts.Queue, "/", "-") + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	deliveries, err := ch.Consume(opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", opts.Queue, err)
	}

	c := &consumer{
		tag:     tag,
		ch:      ch,
		adapter: a,
		done:    make(chan struct{}),
	}

	a.consMu.Lock()
	if old, ok := a.consumers[tag]; ok {
		_ = old.close()
	}
	a.consumers[tag] = c
	a.consMu.Unlock()

	ack := &acker{ch: ch, mu: &c.mu, settled: c.settled}
	go func() {
		defer func() {
			c.finish()
			// A lost channel took its unacked deliveries back.
			if c.ch.IsClosed() {
				c.releaseChannel()
			}
		}()
		for d := range deliveries {
			c.inflight.Add(1)
			fn(toDelivery(d, opts.Queue, ack))
		}
	}()

	return c, nil
}

// acker settles deliveries on the channel they arrived on. settled, when
// set, is called after each settlement.
type acker struct {
	ch      channel
	mu      *sync.Mutex
	settled func()
}

func (a *acker) Ack(tag uint64) error {
	defer a.done()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Ack(tag, false)
}

func (a *acker) Nack(tag uint64, requeue bool) error {
	defer a.done()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Nack(tag, false, requeue)
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	defer a.done()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Reject(tag, requeue)
}

func (a *acker) done() {
	if a.settled != nil {
		a.settled()
	}
}
