// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"time"

	"github.com/absmach/journal/message"
)

// Notifier forwards journal events to webhook endpoints asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking)
	Notify(ctx context.Context, event interface{}) error

	// Handle queues a journal message for delivery. It matches the broker
	// consumer signature.
	Handle(msg *message.Message) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface (HTTP, gRPC, etc.).
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	// Returns error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

var _ Notifier = (*GenericNotifier)(nil)
