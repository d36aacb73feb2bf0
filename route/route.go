// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route holds the immutable route table binding broker queues to
// message handlers.
package route

import (
	"context"

	"github.com/absmach/fluxsub/broker"
)

// Handler processes a single delivery. A nil error acknowledges the delivery,
// a non-nil error hands it to the retry policy.
type Handler func(ctx context.Context, d *broker.Delivery) error

// Middleware wraps a route handler. It receives the route it is applied to so
// that it can label logs, spans and metrics.
type Middleware func(r Route, next Handler) Handler

// Route binds (exchange, queue, routing key) to a handler and the pool that
// runs it.
type Route struct {
	Subscriber string
	Action     string
	Exchange   string
	Queue      string
	RoutingKey string
	PoolName   string
	PoolSize   int
	Prefetch   int
	Durable    bool
	Handler    Handler
}

// Name returns "subscriber#action".
func (r Route) Name() string {
	return r.Subscriber + "#" + r.Action
}

// DeadLetterQueue returns the queue receiving exhausted messages of this route.
func (r Route) DeadLetterQueue(suffix string) string {
	return r.Queue + suffix
}

// Info is the handler-free view of a route used for introspection.
type Info struct {
	Name       string `json:"name"`
	Subscriber string `json:"subscriber"`
	Action     string `json:"action"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
	PoolName   string `json:"pool_name"`
	PoolSize   int    `json:"pool_size"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
}

// Info returns the introspection view of the route.
func (r Route) Info() Info {
	return Info{
		Name:       r.Name(),
		Subscriber: r.Subscriber,
		Action:     r.Action,
		Exchange:   r.Exchange,
		Queue:      r.Queue,
		RoutingKey: r.RoutingKey,
		PoolName:   r.PoolName,
		PoolSize:   r.PoolSize,
		Prefetch:   r.Prefetch,
		Durable:    r.Durable,
	}
}

type identity struct {
	exchange   string
	queue      string
	routingKey string
}

func (r Route) identity() identity {
	return identity{exchange: r.Exchange, queue: r.Queue, routingKey: r.RoutingKey}
}
