// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Header names carried by deliveries.
const (
	HeaderRetryCount         = "retry_count"
	HeaderOriginalRoutingKey = "original_routing_key"
	HeaderDeathReason        = "death_reason"
	HeaderDeadLetteredAt     = "dead_lettered_at"
)

// Message is an outbound message.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    Headers
	MessageID  string
	Persistent bool

	// Delay defers delivery to consumers. Zero means immediate.
	Delay time.Duration
}

// Delivery is one broker message in flight. It is owned by the worker that
// received it until it is acked, nacked or rejected.
type Delivery struct {
	Body        []byte
	Headers     Headers
	Exchange    string
	RoutingKey  string
	Queue       string
	MessageID   string
	Tag         uint64
	Redelivered bool

	Acknowledger Acknowledger

	settled atomic.Bool
}

// RetryCount returns the retry_count header, 0 when absent.
func (d *Delivery) RetryCount() int {
	return d.Headers.Int(HeaderRetryCount)
}

// OriginalRoutingKey returns the routing key the message was first published
// with, which differs from RoutingKey once the message has been requeued.
func (d *Delivery) OriginalRoutingKey() string {
	if rk := d.Headers.String(HeaderOriginalRoutingKey); rk != "" {
		return rk
	}
	return d.RoutingKey
}

// Settled reports whether Ack, Nack or Reject already succeeded or was attempted.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.Acknowledger.Ack(d.Tag)
}

// Nack negatively acknowledges the delivery.
func (d *Delivery) Nack(requeue bool) error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.Acknowledger.Nack(d.Tag, requeue)
}

// Reject rejects the delivery.
func (d *Delivery) Reject(requeue bool) error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.Acknowledger.Reject(d.Tag, requeue)
}

func (d *Delivery) settle() bool {
	if d.Acknowledger == nil {
		return false
	}
	return d.settled.CompareAndSwap(false, true)
}
