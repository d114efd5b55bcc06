// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"

	"github.com/absmach/journal/internal/bufpool"
	"github.com/absmach/journal/message"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessageJournaled = "message.journaled"
)

// Event is the common interface for all forwarded events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.journaled")
	Type() string

	// Topic returns the journal topic the event refers to.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(source string) *Envelope
}

// Envelope is the common wrapper for all forwarded events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return bufpool.MarshalJSON(e)
}

// MessageJournaled is emitted for every message the journal dispatches.
type MessageJournaled struct {
	ID           string         `json:"id"`
	MessageTopic string         `json:"topic"`
	Created      string         `json:"created"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// FromMessage builds a MessageJournaled event. The payload is only copied
// when includePayload is set.
func FromMessage(msg *message.Message, includePayload bool) MessageJournaled {
	e := MessageJournaled{
		ID:           msg.ID(),
		MessageTopic: msg.Topic(),
		Created:      msg.Timestamp().UTC().Format(time.RFC3339Nano),
	}
	if includePayload {
		e.Payload = msg.Payload()
	}
	return e
}

func (e MessageJournaled) Type() string  { return TypeMessageJournaled }
func (e MessageJournaled) Topic() string { return e.MessageTopic }
func (e MessageJournaled) Wrap(source string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Data:      e,
	}
}
