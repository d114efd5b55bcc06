// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/internal/otel"
	"github.com/absmach/journal/message"
)

// NewMetrics wraps a named consumer and records its call duration and
// outcome. A nil metrics returns next unchanged.
func NewMetrics(name string, next broker.Handler, m *otel.Metrics) broker.Handler {
	if m == nil {
		return next
	}
	return func(msg *message.Message) error {
		begin := time.Now()
		err := next(msg)
		m.RecordForward(name, float64(time.Since(begin).Microseconds())/1000, err != nil)
		return err
	}
}
