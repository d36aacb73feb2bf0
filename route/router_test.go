// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxsub/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *broker.Delivery) error { return nil }

func TestRouter_DefaultRoutesFor(t *testing.T) {
	rs, err := NewRouter(Defaults{AppName: "alice"}).
		DefaultRoutesFor(Resource{
			Name:      "inference",
			Publisher: "kyle",
			Actions: []Action{
				{Name: "yo", Handler: noop},
				{Name: "hey", Handler: noop, Queue: "some_other_queue.hey", RoutingKey: "other_routing_key.hey"},
			},
		}).
		Build()
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())

	yo, ok := rs.Lookup("inference", "yo")
	require.True(t, ok)
	assert.Equal(t, "events", yo.Exchange)
	assert.Equal(t, "kyle.inference.yo", yo.RoutingKey)
	assert.Equal(t, "alice.kyle.inference.yo", yo.Queue)
	assert.Equal(t, "alice.kyle.inference.yo", yo.PoolName)
	assert.Equal(t, DefaultPoolSize, yo.PoolSize)
	assert.Equal(t, DefaultPrefetch, yo.Prefetch)

	hey, ok := rs.Lookup("inference", "hey")
	require.True(t, ok)
	assert.Equal(t, "some_other_queue.hey", hey.Queue)
	assert.Equal(t, "other_routing_key.hey", hey.RoutingKey)
}

func TestRouter_BuildValidation(t *testing.T) {
	valid := Descriptor{Subscriber: "users", Action: "created", Queue: "q", RoutingKey: "users.created", Handler: noop}

	tests := []struct {
		desc  string
		descs []Descriptor
		err   error
	}{
		{
			desc: "no routes",
			err:  ErrNoRoutes,
		},
		{
			desc:  "missing handler",
			descs: []Descriptor{{Subscriber: "users", Action: "created", Queue: "q", RoutingKey: "k"}},
			err:   ErrMissingField,
		},
		{
			desc:  "missing queue",
			descs: []Descriptor{{Subscriber: "users", Action: "created", RoutingKey: "k", Handler: noop}},
			err:   ErrMissingField,
		},
		{
			desc:  "negative pool size",
			descs: []Descriptor{{Subscriber: "users", Action: "created", Queue: "q", RoutingKey: "k", PoolSize: -1, Handler: noop}},
			err:   ErrInvalidPool,
		},
		{
			desc:  "duplicate route",
			descs: []Descriptor{valid, valid},
			err:   ErrDuplicateRoute,
		},
		{
			desc: "queue bound twice",
			descs: []Descriptor{
				valid,
				{Subscriber: "users", Action: "updated", Queue: "q", RoutingKey: "users.updated", Handler: noop},
			},
			err: ErrDuplicateQueue,
		},
		{
			desc: "shared pool with different sizes",
			descs: []Descriptor{
				{Subscriber: "a", Action: "x", Queue: "qa", RoutingKey: "a.x", PoolName: "shared", PoolSize: 2, Handler: noop},
				{Subscriber: "b", Action: "y", Queue: "qb", RoutingKey: "b.y", PoolName: "shared", PoolSize: 4, Handler: noop},
			},
			err: ErrPoolMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			r := NewRouter(Defaults{})
			for _, d := range tt.descs {
				r.Add(d)
			}
			rs, err := r.Build()
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, rs)
		})
	}
}

func TestRouter_MiddlewareOrder(t *testing.T) {
	var calls []string
	mw := func(name string) Middleware {
		return func(r Route, next Handler) Handler {
			return func(ctx context.Context, d *broker.Delivery) error {
				calls = append(calls, name+":"+r.Name())
				return next(ctx, d)
			}
		}
	}

	rs, err := NewRouter(Defaults{}).
		Use(mw("outer"), mw("inner")).
		Add(Descriptor{Subscriber: "users", Action: "created", Queue: "q", RoutingKey: "k", Handler: func(context.Context, *broker.Delivery) error {
			calls = append(calls, "handler")
			return errors.New("boom")
		}}).
		Build()
	require.NoError(t, err)

	rt, ok := rs.Lookup("users", "created")
	require.True(t, ok)
	err = rt.Handler(context.Background(), &broker.Delivery{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"outer:users#created", "inner:users#created", "handler"}, calls)
}

func TestRouteSet_Topology(t *testing.T) {
	rs, err := NewRouter(Defaults{AppName: "app", Durable: true}).
		DefaultRoutesFor(Resource{
			Name:      "users",
			Publisher: "accounts",
			Actions:   []Action{{Name: "created", Handler: noop}, {Name: "deleted", Handler: noop}},
		}).
		Build()
	require.NoError(t, err)

	topo := rs.Topology(".dead")
	assert.Len(t, topo.Exchanges, 1)
	assert.Equal(t, "events", topo.Exchanges[0].Name)
	assert.True(t, topo.Exchanges[0].Durable)
	assert.Len(t, topo.Queues, 4)
	assert.Contains(t, topo.Queues, broker.Queue{Name: "app.accounts.users.created.dead", Durable: true})
	assert.Contains(t, topo.Queues, broker.Queue{
		Name:                 "app.accounts.users.created",
		Durable:              true,
		DeadLetterExchange:   broker.DefaultExchange,
		DeadLetterRoutingKey: "app.accounts.users.created.dead",
	})
	assert.Equal(t, []broker.Binding{
		{Queue: "app.accounts.users.created", Exchange: "events", RoutingKey: "accounts.users.created"},
		{Queue: "app.accounts.users.deleted", Exchange: "events", RoutingKey: "accounts.users.deleted"},
	}, topo.Bindings)

	plain := rs.Topology("")
	assert.Len(t, plain.Queues, 2)
	for _, q := range plain.Queues {
		assert.Empty(t, q.DeadLetterRoutingKey)
	}
}

func TestRouteSet_Lookups(t *testing.T) {
	rs, err := NewRouter(Defaults{}).
		Add(Descriptor{Subscriber: "users", Action: "created", Queue: "q1", RoutingKey: "k1", Handler: noop}).
		Add(Descriptor{Subscriber: "orders", Action: "placed", Queue: "q2", RoutingKey: "k2", Handler: noop, PoolName: "orders", PoolSize: 3}).
		Add(Descriptor{Subscriber: "users", Action: "deleted", Queue: "q3", RoutingKey: "k3", Handler: noop}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"users", "orders"}, rs.Subscribers())
	assert.Len(t, rs.BySubscriber("users"), 2)
	assert.Empty(t, rs.BySubscriber("missing"))

	_, ok := rs.Lookup("users", "updated")
	assert.False(t, ok)

	infos := rs.Infos()
	require.Len(t, infos, 3)
	assert.Equal(t, "orders#placed", infos[1].Name)
	assert.Equal(t, "orders", infos[1].PoolName)
	assert.Equal(t, 3, infos[1].PoolSize)

	routes := rs.Routes()
	routes[0].Queue = "mutated"
	first, _ := rs.Lookup("users", "created")
	assert.Equal(t, "q1", first.Queue)
}
