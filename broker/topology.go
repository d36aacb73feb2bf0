// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Exchange kinds.
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

// DefaultExchange is the nameless exchange that routes by queue name.
const DefaultExchange = ""

// Topology is a set of declarations applied together.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Exchange declares an exchange.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue declares a queue.
type Queue struct {
	Name    string
	Durable bool

	// DeadLetterExchange receives rejected or expired messages.
	DeadLetterExchange string
	// DeadLetterRoutingKey overrides the routing key used for dead-lettering.
	DeadLetterRoutingKey string
}

// Binding binds a queue to an exchange with a routing key.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Merge appends other's declarations, skipping exact duplicates.
func (t *Topology) Merge(other Topology) {
	for _, ex := range other.Exchanges {
		if !containsExchange(t.Exchanges, ex.Name) {
			t.Exchanges = append(t.Exchanges, ex)
		}
	}
	for _, q := range other.Queues {
		if !containsQueue(t.Queues, q.Name) {
			t.Queues = append(t.Queues, q)
		}
	}
	for _, b := range other.Bindings {
		if !containsBinding(t.Bindings, b) {
			t.Bindings = append(t.Bindings, b)
		}
	}
}

func containsExchange(list []Exchange, name string) bool {
	for _, ex := range list {
		if ex.Name == name {
			return true
		}
	}
	return false
}

func containsQueue(list []Queue, name string) bool {
	for _, q := range list {
		if q.Name == name {
			return true
		}
	}
	return false
}

func containsBinding(list []Binding, b Binding) bool {
	for _, existing := range list {
		if existing == b {
			return true
		}
	}
	return false
}
