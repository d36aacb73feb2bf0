// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deadletter defines where exhausted deliveries end up.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("dead letter not found")

// Entry is a delivery that exhausted its retries.
type Entry struct {
	ID                 string         `json:"id"`
	Route              string         `json:"route"`
	Queue              string         `json:"queue"`
	Exchange           string         `json:"exchange"`
	OriginalRoutingKey string         `json:"original_routing_key"`
	Body               []byte         `json:"body"`
	Headers            broker.Headers `json:"headers,omitempty"`
	Reason             string         `json:"reason"`
	Attempts           int            `json:"attempts"`
	DeadLetteredAt     time.Time      `json:"dead_lettered_at"`
}

// NewEntry builds an entry for d, failed on route routeName because of cause.
// The returned headers carry the death metadata.
func NewEntry(routeName string, d *broker.Delivery, cause error) Entry {
	now := time.Now().UTC()
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	headers := d.Headers.Clone()
	headers[broker.HeaderOriginalRoutingKey] = d.OriginalRoutingKey()
	headers[broker.HeaderDeathReason] = reason
	headers[broker.HeaderDeadLetteredAt] = now.Format(time.RFC3339)

	return Entry{
		ID:                 uuid.NewString(),
		Route:              routeName,
		Queue:              d.Queue,
		Exchange:           d.Exchange,
		OriginalRoutingKey: d.OriginalRoutingKey(),
		Body:               d.Body,
		Headers:            headers,
		Reason:             reason,
		Attempts:           d.RetryCount() + 1,
		DeadLetteredAt:     now,
	}
}

// Sink receives dead-lettered entries.
type Sink interface {
	Put(ctx context.Context, e Entry) error
}

// Archive is a Sink that can be inspected.
type Archive interface {
	Sink
	List(route string, limit int) ([]Entry, error)
	Get(id string) (Entry, error)
	Delete(id string) error
}

var _ Sink = (*BrokerSink)(nil)

// BrokerSink publishes entries to the "<queue><suffix>" queue through the
// default exchange.
type BrokerSink struct {
	pub    broker.Publisher
	suffix string
}

// NewBrokerSink creates a sink publishing through pub.
func NewBrokerSink(pub broker.Publisher, suffix string) *BrokerSink {
	return &BrokerSink{pub: pub, suffix: suffix}
}

// Put publishes e as a persistent message.
func (s *BrokerSink) Put(ctx context.Context, e Entry) error {
	return s.pub.Publish(ctx, broker.Message{
		Exchange:   broker.DefaultExchange,
		RoutingKey: e.Queue + s.suffix,
		Body:       e.Body,
		Headers:    e.Headers,
		MessageID:  e.ID,
		Persistent: true,
	})
}
