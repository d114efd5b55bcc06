// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the journal.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	published  metric.Int64Counter
	dispatched metric.Int64Counter
	persisted  metric.Int64Counter
	dropped    metric.Int64Counter
	failures   metric.Int64Counter

	// UpDownCounters (Gauges)
	queueDepth metric.Int64UpDownCounter

	// Histograms
	storageDuration metric.Float64Histogram
	forwardDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance using the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("journal"))
}

// NewMetricsWithMeter creates a Metrics instance on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.published, err = m.meter.Int64Counter(
		"journal.messages.published",
		metric.WithDescription("Messages accepted by Publish"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.dispatched, err = m.meter.Int64Counter(
		"journal.messages.dispatched",
		metric.WithDescription("Messages taken off the queue by the consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}

	m.persisted, err = m.meter.Int64Counter(
		"journal.messages.persisted",
		metric.WithDescription("Messages written to storage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persisted counter: %w", err)
	}

	m.dropped, err = m.meter.Int64Counter(
		"journal.messages.dropped",
		metric.WithDescription("Messages dropped by the queue overflow policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.failures, err = m.meter.Int64Counter(
		"journal.failures",
		metric.WithDescription("Consumer, subscriber and storage failures by stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"journal.queue.depth",
		metric.WithDescription("Messages waiting in the publish queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.storageDuration, err = m.meter.Float64Histogram(
		"journal.storage.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storageDuration histogram: %w", err)
	}

	m.forwardDuration, err = m.meter.Float64Histogram(
		"journal.forward.duration",
		metric.WithDescription("Forwarder hand-off duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublished records a message accepted by Publish.
func (m *Metrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	m.queueDepth.Add(ctx, 1)
}

// RecordDispatched records a message taken off the queue.
func (m *Metrics) RecordDispatched() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.dispatched.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
}

// RecordPersisted records a message written to storage.
func (m *Metrics) RecordPersisted() {
	if m == nil {
		return
	}
	m.persisted.Add(context.Background(), 1)
}

// RecordDropped records a message dropped by the overflow policy.
// Queued reports whether the message had already been counted in the queue.
func (m *Metrics) RecordDropped(policy string, queued bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
	if queued {
		m.queueDepth.Add(ctx, -1)
	}
}

// RecordFailure records a failure in the given pipeline stage.
func (m *Metrics) RecordFailure(stage string) {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordStorageDuration records the duration of a storage operation.
func (m *Metrics) RecordStorageDuration(op string, durationMs float64) {
	if m == nil {
		return
	}
	m.storageDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordForward records a forwarder hand-off and its outcome.
func (m *Metrics) RecordForward(forwarder string, durationMs float64, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.forwardDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.String("forwarder", forwarder),
		attribute.String("outcome", outcome),
	))
}
