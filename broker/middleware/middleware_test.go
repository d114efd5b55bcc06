// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/absmach/journal/internal/otel"
	"github.com/absmach/journal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMessage(t *testing.T) *message.Message {
	t.Helper()
	msg, err := message.New("log.core", map[string]any{"n": 1}, message.WithID("m1"))
	require.NoError(t, err)
	return msg
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	errBoom := errors.New("boom")

	ok := NewLogging("kafka", func(*message.Message) error { return nil }, logger)
	require.NoError(t, ok(testMessage(t)))
	assert.Contains(t, buf.String(), "consumer handled message")
	assert.Contains(t, buf.String(), "consumer=kafka")
	assert.Contains(t, buf.String(), "message_id=m1")

	buf.Reset()
	failing := NewLogging("webhook", func(*message.Message) error { return errBoom }, logger)
	assert.ErrorIs(t, failing(testMessage(t)), errBoom)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := otel.NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	calls := 0
	h := NewMetrics("nats", func(*message.Message) error {
		calls++
		if calls == 2 {
			return errors.New("boom")
		}
		return nil
	}, m)

	assert.NoError(t, h(testMessage(t)))
	assert.Error(t, h(testMessage(t)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "journal.forward.duration" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Histogram[float64]).DataPoints {
				count += dp.Count
			}
		}
	}
	assert.Equal(t, uint64(2), count)
}

func TestMetrics_Nil(t *testing.T) {
	called := false
	h := NewMetrics("nats", func(*message.Message) error {
		called = true
		return nil
	}, nil)

	require.NoError(t, h(testMessage(t)))
	assert.True(t, called)
}
