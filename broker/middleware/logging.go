// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/message"
)

// NewLogging wraps a named consumer and logs every call with its duration.
// Failures are logged at warn level, successes at debug level.
func NewLogging(name string, next broker.Handler, logger *slog.Logger) broker.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg *message.Message) (err error) {
		defer func(begin time.Time) {
			attrs := []any{
				slog.String("consumer", name),
				slog.String("topic", msg.Topic()),
				slog.String("message_id", msg.ID()),
				slog.String("duration", time.Since(begin).String()),
			}
			if err != nil {
				logger.Warn("consumer failed", append(attrs, slog.String("error", err.Error()))...)
				return
			}
			logger.Debug("consumer handled message", attrs...)
		}(time.Now())
		return next(msg)
	}
}
