// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "context"

// Adapter abstracts a message broker client.
// The dispatch engine only talks to brokers through this interface, so every
// platform-specific behavior (connection handling, delay queues, channel
// ownership) stays inside the implementation.
type Adapter interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Declare declares exchanges, queues and bindings.
	// Declaring the same topology twice must not create duplicates.
	Declare(ctx context.Context, topo Topology) error

	// Publish sends a message. A positive Message.Delay defers delivery.
	Publish(ctx context.Context, msg Message) error

	// Consume registers a push consumer on a queue. fn is invoked once per
	// delivery from the consumer's own goroutine.
	Consume(ctx context.Context, opts ConsumeOptions, fn DeliveryFunc) (Consumer, error)

	// Pop fetches a single message without blocking.
	// It returns nil and no error when the queue is empty.
	Pop(ctx context.Context, queue string) (*Delivery, error)

	// IsConnected reports whether the connection is currently usable.
	IsConnected() bool

	// Close closes the connection and every consumer.
	Close() error
}

// Publisher is the publish-only subset of Adapter.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DeliveryFunc receives push deliveries.
type DeliveryFunc func(d *Delivery)

// Consumer is a live push registration.
type Consumer interface {
	// Tag returns the consumer tag.
	Tag() string

	// Done is closed when the registration ends, either by Cancel or
	// because the broker severed it.
	Done() <-chan struct{}

	// Cancel stops the registration. Unacknowledged deliveries stay owned by
	// their workers and can still be acked.
	Cancel() error
}

// ConsumeOptions configures a push consumer.
type ConsumeOptions struct {
	Queue    string
	Tag      string
	Prefetch int
}

// Acknowledger settles deliveries. Adapters implement it per channel.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Reject(tag uint64, requeue bool) error
}
