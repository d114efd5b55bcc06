// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrInvalidPayload = errors.New("payload must be a key-value mapping")
	ErrNotFound       = errors.New("payload path not found")
)

// Message is a single journal entry. Messages are immutable once created.
type Message struct {
	id        string
	topic     string
	timestamp time.Time
	payload   map[string]any
}

// Option overrides a generated message field.
type Option func(*Message)

// WithID sets the message id instead of generating one.
func WithID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.id = id
		}
	}
}

// WithTimestamp sets the message timestamp instead of using the current time.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) {
		if !ts.IsZero() {
			m.timestamp = ts
		}
	}
}

// New creates a message on topic. The payload must be a mapping; nested
// mappings are normalised to map[string]any and copied.
func New(topic string, payload any, opts ...Option) (*Message, error) {
	p, err := normalize(payload)
	if err != nil {
		return nil, err
	}

	m := &Message{
		topic:   topic,
		payload: p,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.timestamp.IsZero() {
		m.timestamp = time.Now()
	}

	return m, nil
}

// ID returns the message identifier.
func (m *Message) ID() string { return m.id }

// Topic returns the message topic.
func (m *Message) Topic() string { return m.topic }

// Timestamp returns the message creation time.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// Payload returns a copy of the message payload.
func (m *Message) Payload() map[string]any {
	return copyMap(m.payload)
}

// Equal reports whether both messages carry the same id.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.id == other.id
}

// Get resolves a dotted path inside the payload. When the path does not
// resolve, ErrNotFound is returned unless a default is passed, in which case
// the first default is returned. A nil default is a valid default.
func (m *Message) Get(path string, def ...any) (any, error) {
	v, ok := Lookup(m.payload, path)
	if ok {
		return normalizeValue(v), nil
	}
	if len(def) > 0 {
		return def[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Value is Get with a nil default.
func (m *Message) Value(path string) any {
	v, _ := m.Get(path, nil)
	return v
}

// Has reports whether the dotted path resolves inside the payload.
func (m *Message) Has(path string) bool {
	_, ok := Lookup(m.payload, path)
	return ok
}

// Lookup walks payload along the dotted path.
func Lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Record is the persisted shape of a message.
type Record struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Record returns the persisted representation of the message.
func (m *Message) Record() Record {
	return Record{
		ID:        m.id,
		Topic:     m.topic,
		Timestamp: m.timestamp,
		Payload:   copyMap(m.payload),
	}
}

// FromRecord rebuilds a message from its persisted representation.
func FromRecord(r Record) (*Message, error) {
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	return New(r.Topic, r.Payload, WithID(r.ID), WithTimestamp(r.Timestamp))
}

// MarshalJSON encodes the message as its persisted record.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Record())
}

// UnmarshalJSON decodes a persisted record into the message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	dec, err := FromRecord(r)
	if err != nil {
		return err
	}
	*m = *dec
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s]@%s", m.topic, m.id, m.timestamp.Format(time.RFC3339))
}

// normalize converts any map with string-like keys into map[string]any,
// recursing into nested maps and slices.
func normalize(payload any) (map[string]any, error) {
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	rv := reflect.ValueOf(payload)
	if rv.Kind() != reflect.Map {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidPayload, payload)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[keyString(iter.Key())] = normalizeValue(iter.Value().Interface())
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		m, _ := normalize(v)
		return m
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = normalizeValue(v)
	}
	return dst
}
