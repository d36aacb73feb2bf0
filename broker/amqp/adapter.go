// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp implements broker.Adapter on top of RabbitMQ.
//
// A single connection is owned by the Adapter. Channels are never shared
// without a lock: every push consumer gets its own channel (acks for its
// deliveries go through that channel), publishes go through one guarded
// publish channel and non-blocking pops go through one guarded pop channel.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsub/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var _ broker.Adapter = (*Adapter)(nil)

// Adapter is a RabbitMQ client implementing broker.Adapter.
type Adapter struct {
	opts   *Options
	logger *slog.Logger

	connMu sync.Mutex
	conn   *amqp091.Connection
	closed bool

	pubMu       sync.Mutex
	pubCh       *amqp091.Channel
	delayQueues map[string]struct{}

	popMu sync.Mutex
	popCh *amqp091.Channel

	consMu    sync.Mutex
	consumers map[string]*consumer

	connected atomic.Bool
}

// New creates a new RabbitMQ adapter with the given options.
func New(opts *Options) (*Adapter, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		opts:        opts,
		logger:      logger,
		delayQueues: make(map[string]struct{}),
		consumers:   make(map[string]*consumer),
	}, nil
}

// Connect establishes the connection, retrying with backoff.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.connection(ctx)
	return err
}

// IsConnected reports whether the connection is open.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

// Close closes every channel and the connection.
func (a *Adapter) Close() error {
	a.connMu.Lock()
	if a.closed {
		a.connMu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()

	var errs []error

	a.consMu.Lock()
	for tag, c := range a.consumers {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
		delete(a.consumers, tag)
	}
	a.consMu.Unlock()

	a.pubMu.Lock()
	if a.pubCh != nil {
		_ = a.pubCh.Close()
		a.pubCh = nil
	}
	a.pubMu.Unlock()

	a.popMu.Lock()
	if a.popCh != nil {
		_ = a.popCh.Close()
		a.popCh = nil
	}
	a.popMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.connected.Store(false)
	return errors.Join(errs...)
}

// Declare declares the topology on a short-lived channel.
// RabbitMQ declarations are idempotent when arguments match.
func (a *Adapter) Declare(ctx context.Context, topo broker.Topology) error {
	conn, err := a.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	for _, ex := range topo.Exchanges {
		if ex.Name == broker.DefaultExchange {
			continue
		}
		kind := ex.Kind
		if kind == "" {
			kind = broker.ExchangeTopic
		}
		if err := ch.ExchangeDeclare(ex.Name, kind, ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range topo.Queues {
		if q.Name == "" {
			return broker.ErrInvalidQueueName
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, queueArgs(q)); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range topo.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%s: %w", b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}

	return nil
}

// Publish sends a message on the publish channel and waits for the broker
// to confirm it. Delayed messages go to a per-delay holding queue whose TTL
// dead-letters them back to the target.
func (a *Adapter) Publish(ctx context.Context, msg broker.Message) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	ch, err := a.publishChannel(ctx)
	if err != nil {
		return err
	}

	exchange, routingKey := msg.Exchange, msg.RoutingKey
	if msg.Delay > 0 {
		holding, err := a.ensureDelayQueue(ch, msg.Exchange, msg.RoutingKey, msg.Delay)
		if err != nil {
			return err
		}
		exchange, routingKey = broker.DefaultExchange, holding
	}

	publishing := amqp091.Publishing{
		Headers:   toTable(msg.Headers),
		MessageId: msg.MessageID,
		Timestamp: time.Now(),
		Body:      msg.Body,
	}
	if msg.Persistent {
		publishing.DeliveryMode = amqp091.Persistent
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	if dc == nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, ErrPublisherConfirm)
	}
	if err := awaitConfirm(ctx, dc, a.opts.ConfirmTimeout); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm waits for the broker ack of one publish.
func awaitConfirm(ctx context.Context, c confirmation, timeout time.Duration) error {
	if c == nil {
		return ErrPublisherConfirm
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acked, err := c.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublisherConfirm, err)
	}
	if !acked {
		return ErrPublisherConfirm
	}
	return nil
}

// Pop performs a basic.get on the pop channel.
func (a *Adapter) Pop(ctx context.Context, queue string) (*broker.Delivery, error) {
	a.popMu.Lock()
	defer a.popMu.Unlock()

	if a.popCh == nil || a.popCh.IsClosed() {
		conn, err := a.connection(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open pop channel: %w", err)
		}
		a.popCh = ch
	}

	d, ok, err := a.popCh.Get(queue, false)
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queue, err)
	}
	if !ok {
		return nil, nil
	}
	return toDelivery(d, queue, &acker{ch: a.popCh, mu: &a.popMu}), nil
}

func (a *Adapter) publishChannel(ctx context.Context) (*amqp091.Channel, error) {
	if a.pubCh != nil && !a.pubCh.IsClosed() {
		return a.pubCh, nil
	}
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	a.pubCh = ch
	return ch, nil
}

func (a *Adapter) ensureDelayQueue(ch *amqp091.Channel, exchange, routingKey string, delay time.Duration) (string, error) {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	name := routingKey + ".delay." + strconv.FormatInt(ms, 10)
	if exchange != broker.DefaultExchange {
		name = exchange + "." + name
	}
	if _, ok := a.delayQueues[name]; ok {
		return name, nil
	}

	args := amqp091.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	a.delayQueues[name] = struct{}{}
	return name, nil
}

// connection returns the live connection, redialing with capped exponential
// backoff when it was lost.
func (a *Adapter) connection(ctx context.Context) (*amqp091.Connection, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.closed {
		return nil, broker.ErrClosed
	}
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}
	a.connected.Store(false)

	dialer := &net.Dialer{Timeout: a.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: a.opts.TLSConfig,
		Heartbeat:       a.opts.Heartbeat,
		Dial:            dialer.Dial,
	}

	for attempt := 0; ; attempt++ {
		conn, err := amqp091.DialConfig(a.opts.dialURL(), cfg)
		if err == nil {
			a.conn = conn
			a.connected.Store(true)
			a.watch(conn)
			if attempt > 0 {
				a.logger.Info("reconnected to broker", slog.Int("attempts", attempt+1))
			}
			return conn, nil
		}

		if a.opts.MaxReconnectAttempts > 0 && attempt+1 >= a.opts.MaxReconnectAttempts {
			return nil, fmt.Errorf("%w: %w", broker.ErrNotConnected, err)
		}
		delay := a.opts.backoff(attempt)
		a.logger.Warn("broker dial failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", broker.ErrNotConnected, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// forget drops c from the consumer table unless the tag was reused.
func (a *Adapter) forget(c *consumer) {
	a.consMu.Lock()
	defer a.consMu.Unlock()
	if a.consumers[c.tag] == c {
		delete(a.consumers, c.tag)
	}
}

// consumerCount returns the number of registered consumers.
func (a *Adapter) consumerCount() int {
	a.consMu.Lock()
	defer a.consMu.Unlock()
	return len(a.consumers)
}

func (a *Adapter) watch(conn *amqp091.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		err, ok := <-closeCh
		a.connected.Store(false)
		if ok && err != nil {
			a.logger.Warn("broker connection lost",
				slog.Int("code", err.Code),
				slog.String("reason", err.Reason))
		}
	}()
}

func queueArgs(q broker.Queue) amqp091.Table {
	if q.DeadLetterExchange == "" && q.DeadLetterRoutingKey == "" {
		return nil
	}
	args := amqp091.Table{"x-dead-letter-exchange": q.DeadLetterExchange}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	return args
}

// toTable converts headers to AMQP field values. Go ints are widened to
// int64 since the wire format has no platform-sized integer.
func toTable(h broker.Headers) amqp091.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp091.Table, len(h))
	for k, v := range h {
		switch n := v.(type) {
		case int:
			t[k] = int64(n)
		case uint:
			t[k] = int64(n)
		case uint32:
			t[k] = int64(n)
		case uint64:
			t[k] = int64(n)
		default:
			t[k] = v
		}
	}
	return t
}

func toDelivery(d amqp091.Delivery, queue string, ack broker.Acknowledger) *broker.Delivery {
	headers := make(broker.Headers, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return &broker.Delivery{
		Body:         d.Body,
		Headers:      headers,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		Queue:        queue,
		MessageID:    d.MessageId,
		Tag:          d.DeliveryTag,
		Redelivered:  d.Redelivered,
		Acknowledger: ack,
	}
}
