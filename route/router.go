// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"fmt"
	"strings"
)

// Default values applied to descriptors that leave a field empty.
const (
	DefaultExchange = "events"
	DefaultPoolSize = 8
	DefaultPrefetch = 2
)

// Defaults fill descriptor fields left empty.
type Defaults struct {
	AppName  string
	Exchange string
	PoolSize int
	Prefetch int
	Durable  bool
}

// Descriptor describes one route before validation.
type Descriptor struct {
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

// Resource groups the actions of one subscriber and derives their routes
// from naming conventions.
type Resource struct {
	// Name is the resource, e.g. "users". It is also the subscriber name
	// unless Subscriber is set.
	Name       string
	Subscriber string
	// Publisher is the application that emits the events.
	Publisher string
	Actions   []Action
}

// Action is one handled event of a Resource. Queue and RoutingKey override
// the derived names.
type Action struct {
	Name       string
	Handler    Handler
	Queue      string
	RoutingKey string
	PoolSize   int
	Prefetch   int
}

// Router collects route descriptors and builds an immutable RouteSet.
// It is not safe for concurrent use.
type Router struct {
	defaults    Defaults
	descriptors []Descriptor
	middleware  []Middleware
}

// NewRouter creates a router. Zero defaults fall back to the package
// defaults.
func NewRouter(defaults Defaults) *Router {
	if defaults.Exchange == "" {
		defaults.Exchange = DefaultExchange
	}
	if defaults.PoolSize <= 0 {
		defaults.PoolSize = DefaultPoolSize
	}
	if defaults.Prefetch <= 0 {
		defaults.Prefetch = DefaultPrefetch
	}
	return &Router{defaults: defaults}
}

// Add registers a route descriptor.
func (r *Router) Add(d Descriptor) *Router {
	r.descriptors = append(r.descriptors, d)
	return r
}

// Use registers middleware applied to every route handler at build time.
// The first middleware is the outermost.
func (r *Router) Use(mw ...Middleware) *Router {
	r.middleware = append(r.middleware, mw...)
	return r
}

// DefaultRoutesFor adds one route per action of res. The routing key is
// "publisher.resource.action" and the queue "app.publisher.resource.action".
func (r *Router) DefaultRoutesFor(res Resource) *Router {
	subscriber := res.Subscriber
	if subscriber == "" {
		subscriber = res.Name
	}
	for _, a := range res.Actions {
		rk := a.RoutingKey
		if rk == "" {
			rk = joinNonEmpty(res.Publisher, res.Name, a.Name)
		}
		queue := a.Queue
		if queue == "" {
			queue = joinNonEmpty(r.defaults.AppName, res.Publisher, res.Name, a.Name)
		}
		r.Add(Descriptor{
			Subscriber: subscriber,
			Action:     a.Name,
			Queue:      queue,
			RoutingKey: rk,
			PoolSize:   a.PoolSize,
			Prefetch:   a.Prefetch,
			Handler:    a.Handler,
		})
	}
	return r
}

// Build validates every descriptor and returns the route set. Nothing is
// built when any descriptor is invalid.
func (r *Router) Build() (*RouteSet, error) {
	if len(r.descriptors) == 0 {
		return nil, ErrNoRoutes
	}

	routes := make([]Route, 0, len(r.descriptors))
	identities := make(map[identity]string, len(r.descriptors))
	queues := make(map[string]string, len(r.descriptors))
	pools := make(map[string]Route, len(r.descriptors))

	for _, d := range r.descriptors {
		rt := r.apply(d)
		if err := validate(rt); err != nil {
			return nil, err
		}
		if other, ok := identities[rt.identity()]; ok {
			return nil, fmt.Errorf("%s conflicts with %s: %w", rt.Name(), other, ErrDuplicateRoute)
		}
		if other, ok := queues[rt.Queue]; ok {
			return nil, fmt.Errorf("%s: queue %s bound by %s: %w", rt.Name(), rt.Queue, other, ErrDuplicateQueue)
		}
		if other, ok := pools[rt.PoolName]; ok && other.PoolSize != rt.PoolSize {
			return nil, fmt.Errorf("%s: pool %s is sized %d by %s, not %d: %w",
				rt.Name(), rt.PoolName, other.PoolSize, other.Name(), rt.PoolSize, ErrPoolMismatch)
		}
		identities[rt.identity()] = rt.Name()
		queues[rt.Queue] = rt.Name()
		pools[rt.PoolName] = rt

		for i := len(r.middleware) - 1; i >= 0; i-- {
			rt.Handler = r.middleware[i](rt, rt.Handler)
		}
		routes = append(routes, rt)
	}

	return newRouteSet(routes), nil
}

func (r *Router) apply(d Descriptor) Route {
	rt := Route{
		Subscriber: d.Subscriber,
		Action:     d.Action,
		Exchange:   d.Exchange,
		Queue:      d.Queue,
		RoutingKey: d.RoutingKey,
		PoolName:   d.PoolName,
		PoolSize:   d.PoolSize,
		Prefetch:   d.Prefetch,
		Durable:    d.Durable || r.defaults.Durable,
		Handler:    d.Handler,
	}
	if rt.Exchange == "" {
		rt.Exchange = r.defaults.Exchange
	}
	if rt.PoolSize == 0 {
		rt.PoolSize = r.defaults.PoolSize
	}
	if rt.Prefetch == 0 {
		rt.Prefetch = r.defaults.Prefetch
	}
	if rt.PoolName == "" && rt.Queue != "" {
		rt.PoolName = rt.Queue
	}
	return rt
}

func validate(rt Route) error {
	var missing []string
	if rt.Subscriber == "" {
		missing = append(missing, "subscriber")
	}
	if rt.Action == "" {
		missing = append(missing, "action")
	}
	if rt.Queue == "" {
		missing = append(missing, "queue")
	}
	if rt.RoutingKey == "" {
		missing = append(missing, "routing_key")
	}
	if rt.Handler == nil {
		missing = append(missing, "handler")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %s: %w", rt.Name(), strings.Join(missing, ", "), ErrMissingField)
	}
	if rt.PoolSize < 1 || rt.Prefetch < 1 {
		return fmt.Errorf("%s: pool_size=%d prefetch=%d: %w", rt.Name(), rt.PoolSize, rt.Prefetch, ErrInvalidPool)
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}
