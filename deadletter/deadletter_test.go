// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxsub/broker"
	"github.com/absmach/fluxsub/broker/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	d := &broker.Delivery{
		Body:       []byte("payload"),
		Headers:    broker.Headers{broker.HeaderRetryCount: 3, broker.HeaderOriginalRoutingKey: "accounts.users.created"},
		Exchange:   "",
		RoutingKey: "app.users.created",
		Queue:      "app.users.created",
	}

	e := NewEntry("users#created", d, errors.New("boom"))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "users#created", e.Route)
	assert.Equal(t, "accounts.users.created", e.OriginalRoutingKey)
	assert.Equal(t, "boom", e.Reason)
	assert.Equal(t, 4, e.Attempts)
	assert.Equal(t, "boom", e.Headers.String(broker.HeaderDeathReason))

	at, err := time.Parse(time.RFC3339, e.Headers.String(broker.HeaderDeadLetteredAt))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, 2*time.Second)

	_, ok := d.Headers[broker.HeaderDeathReason]
	assert.False(t, ok, "delivery headers must not be modified")
}

func TestBrokerSink_Put(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Connect(ctx))
	defer b.Close()
	require.NoError(t, b.Declare(ctx, broker.Topology{Queues: []broker.Queue{{Name: "q.dead"}}}))

	sink := NewBrokerSink(b, ".dead")
	d := &broker.Delivery{Body: []byte("x"), Queue: "q", RoutingKey: "users.created"}
	require.NoError(t, sink.Put(ctx, NewEntry("users#created", d, errors.New("exhausted"))))

	require.Equal(t, 1, b.Depth("q.dead"))
	h := b.Headers("q.dead")[0]
	assert.Equal(t, "exhausted", h.String(broker.HeaderDeathReason))
	assert.Equal(t, "users.created", h.String(broker.HeaderOriginalRoutingKey))
}
