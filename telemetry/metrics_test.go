// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	m.RecordReceived("users#created", "q")
	m.RecordReceived("users#created", "q")
	m.RecordHandled("users#created", "q", time.Millisecond, nil)
	m.RecordHandled("users#created", "q", time.Millisecond, errors.New("boom"))
	m.RecordRetry("users#created", "q", 1)
	m.RecordDeadLetter("users#created", "q")
	m.RecordSaturationSkip()
	m.RecordPublishEnqueued("events")
	m.RecordPublishSent("events")
	m.RecordPublishDropped("events", "buffer_full")

	sums := collect(t, reader)
	assert.EqualValues(t, 2, sums["fluxsub.deliveries.received.total"])
	assert.EqualValues(t, 1, sums["fluxsub.deliveries.handled.total"])
	assert.EqualValues(t, 1, sums["fluxsub.deliveries.failed.total"])
	assert.EqualValues(t, 1, sums["fluxsub.retries.scheduled.total"])
	assert.EqualValues(t, 1, sums["fluxsub.deadletters.total"])
	assert.EqualValues(t, 1, sums["fluxsub.poll.saturation_skips.total"])
	assert.EqualValues(t, 1, sums["fluxsub.publish.dropped.total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived("r", "q")
		m.RecordHandled("r", "q", time.Second, nil)
		m.RecordRetry("r", "q", 1)
		m.RecordDeadLetter("r", "q")
		m.RecordRejected("r", "q")
		m.RecordSaturationSkip()
		m.RecordPublishEnqueued("e")
		m.RecordPublishSent("e")
		m.RecordPublishDropped("e", "closed")
	})
}
