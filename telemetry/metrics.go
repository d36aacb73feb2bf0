// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded while consuming and publishing.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	deliveriesReceived metric.Int64Counter
	deliveriesHandled  metric.Int64Counter
	deliveriesFailed   metric.Int64Counter
	retriesScheduled   metric.Int64Counter
	deadLettered       metric.Int64Counter
	rejected           metric.Int64Counter
	saturationSkips    metric.Int64Counter

	publishEnqueued metric.Int64Counter
	publishSent     metric.Int64Counter
	publishDropped  metric.Int64Counter

	handlerDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("fluxsub"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.deliveriesReceived, "fluxsub.deliveries.received.total", "Deliveries received from the broker"},
		{&m.deliveriesHandled, "fluxsub.deliveries.handled.total", "Deliveries handled successfully"},
		{&m.deliveriesFailed, "fluxsub.deliveries.failed.total", "Deliveries whose handler returned an error or panicked"},
		{&m.retriesScheduled, "fluxsub.retries.scheduled.total", "Failed deliveries requeued for another attempt"},
		{&m.deadLettered, "fluxsub.deadletters.total", "Deliveries moved to the dead-letter destination"},
		{&m.rejected, "fluxsub.deliveries.rejected.total", "Deliveries rejected without requeue"},
		{&m.saturationSkips, "fluxsub.poll.saturation_skips.total", "Poll fetches skipped because every worker was busy"},
		{&m.publishEnqueued, "fluxsub.publish.enqueued.total", "Messages accepted by the async publisher"},
		{&m.publishSent, "fluxsub.publish.sent.total", "Messages sent to the broker by the async publisher"},
		{&m.publishDropped, "fluxsub.publish.dropped.total", "Messages dropped by the async publisher"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.handlerDuration, err = meter.Float64Histogram(
		"fluxsub.handler.duration",
		metric.WithDescription("Route handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	return m, nil
}

func routeAttrs(routeName, queue string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("route", routeName),
		attribute.String("queue", queue),
	)
}

// RecordReceived records a delivery taken from the broker.
func (m *Metrics) RecordReceived(routeName, queue string) {
	if m == nil {
		return
	}
	m.deliveriesReceived.Add(context.Background(), 1, routeAttrs(routeName, queue))
}

// RecordHandled records a handler run and its outcome.
func (m *Metrics) RecordHandled(routeName, queue string, d time.Duration, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := routeAttrs(routeName, queue)
	m.handlerDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if err != nil {
		m.deliveriesFailed.Add(ctx, 1, attrs)
		return
	}
	m.deliveriesHandled.Add(ctx, 1, attrs)
}

// RecordRetry records a requeue for another attempt.
func (m *Metrics) RecordRetry(routeName, queue string, attempt int) {
	if m == nil {
		return
	}
	m.retriesScheduled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("route", routeName),
		attribute.String("queue", queue),
		attribute.Int("attempt", attempt),
	))
}

// RecordDeadLetter records a dead-lettered delivery.
func (m *Metrics) RecordDeadLetter(routeName, queue string) {
	if m == nil {
		return
	}
	m.deadLettered.Add(context.Background(), 1, routeAttrs(routeName, queue))
}

// RecordRejected records a delivery rejected without requeue.
func (m *Metrics) RecordRejected(routeName, queue string) {
	if m == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, routeAttrs(routeName, queue))
}

// RecordSaturationSkip records a poll fetch skipped under saturation.
func (m *Metrics) RecordSaturationSkip() {
	if m == nil {
		return
	}
	m.saturationSkips.Add(context.Background(), 1)
}

// RecordPublishEnqueued records a message accepted by the publisher.
func (m *Metrics) RecordPublishEnqueued(exchange string) {
	if m == nil {
		return
	}
	m.publishEnqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// RecordPublishSent records a message sent to the broker.
func (m *Metrics) RecordPublishSent(exchange string) {
	if m == nil {
		return
	}
	m.publishSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// RecordPublishDropped records a dropped message and why.
func (m *Metrics) RecordPublishDropped(exchange, reason string) {
	if m == nil {
		return
	}
	m.publishDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("reason", reason),
	))
}
