// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import "github.com/absmach/fluxsub/broker"

// RouteSet is an ordered, immutable collection of routes produced by
// Router.Build. It is safe for concurrent use.
type RouteSet struct {
	routes []Route
	byName map[string]int
}

func newRouteSet(routes []Route) *RouteSet {
	rs := &RouteSet{
		routes: routes,
		byName: make(map[string]int, len(routes)),
	}
	for i, r := range routes {
		if _, ok := rs.byName[r.Name()]; !ok {
			rs.byName[r.Name()] = i
		}
	}
	return rs
}

// Len returns the number of routes.
func (rs *RouteSet) Len() int {
	return len(rs.routes)
}

// Routes returns a copy of the routes in declaration order.
func (rs *RouteSet) Routes() []Route {
	out := make([]Route, len(rs.routes))
	copy(out, rs.routes)
	return out
}

// Lookup returns the first route registered for subscriber and action.
func (rs *RouteSet) Lookup(subscriber, action string) (Route, bool) {
	i, ok := rs.byName[subscriber+"#"+action]
	if !ok {
		return Route{}, false
	}
	return rs.routes[i], true
}

// BySubscriber returns the routes of one subscriber in declaration order.
func (rs *RouteSet) BySubscriber(subscriber string) []Route {
	var out []Route
	for _, r := range rs.routes {
		if r.Subscriber == subscriber {
			out = append(out, r)
		}
	}
	return out
}

// Subscribers returns subscriber names in order of first appearance.
func (rs *RouteSet) Subscribers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rs.routes {
		if _, ok := seen[r.Subscriber]; ok {
			continue
		}
		seen[r.Subscriber] = struct{}{}
		out = append(out, r.Subscriber)
	}
	return out
}

// Infos returns the introspection view of every route.
func (rs *RouteSet) Infos() []Info {
	out := make([]Info, 0, len(rs.routes))
	for _, r := range rs.routes {
		out = append(out, r.Info())
	}
	return out
}

// Topology returns the declarations needed by every route: its exchange, its
// queue and the binding between them. When suffix is not empty the route's
// dead-letter queue is declared too, and the route queue dead-letters
// rejected messages into it through the default exchange.
func (rs *RouteSet) Topology(deadLetterSuffix string) broker.Topology {
	var topo broker.Topology
	for _, r := range rs.routes {
		route := broker.Topology{
			Exchanges: []broker.Exchange{{Name: r.Exchange, Kind: broker.ExchangeTopic, Durable: r.Durable}},
			Queues:    []broker.Queue{{Name: r.Queue, Durable: r.Durable}},
			Bindings:  []broker.Binding{{Queue: r.Queue, Exchange: r.Exchange, RoutingKey: r.RoutingKey}},
		}
		if deadLetterSuffix != "" {
			dlq := r.DeadLetterQueue(deadLetterSuffix)
			route.Queues[0].DeadLetterExchange = broker.DefaultExchange
			route.Queues[0].DeadLetterRoutingKey = dlq
			route.Queues = append(route.Queues, broker.Queue{Name: dlq, Durable: r.Durable})
		}
		topo.Merge(route)
	}
	return topo
}
