// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package query describes filters over journal messages. A Query is used
// both to match live messages in-process and, through each storage backend's
// translation, to search persisted messages.
package query

import (
	"fmt"
	"time"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/topics"
)

// Range is an inclusive time interval. A nil bound leaves that side open.
type Range struct {
	From *time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	To   *time.Time `json:"to,omitempty" yaml:"to,omitempty"`
}

// IsZero reports whether neither bound is set.
func (r Range) IsZero() bool {
	return r.From == nil && r.To == nil
}

// Contains reports whether ts lies inside the range.
func (r Range) Contains(ts time.Time) bool {
	if r.From != nil && ts.Before(*r.From) {
		return false
	}
	if r.To != nil && ts.After(*r.To) {
		return false
	}
	return true
}

// Between returns a range with both bounds set.
func Between(from, to time.Time) Range {
	return Range{From: &from, To: &to}
}

// Since returns a range open at the upper end.
func Since(from time.Time) Range {
	return Range{From: &from}
}

// Until returns a range open at the lower end.
func Until(to time.Time) Range {
	return Range{To: &to}
}

// Source is anything that can be turned into a Query, such as a *Query or a
// Descriptor.
type Source interface {
	Query() *Query
}

// Query filters messages. Within each field the values are alternatives
// (OR); the fields themselves are combined with AND. Empty fields are
// unconstrained.
type Query struct {
	IDs       []string
	Topics    []string
	Timestamp Range
	Payload   map[string]any
}

// Query implements Source.
func (q *Query) Query() *Query {
	return q
}

// Resolve turns a Source into a Query. A nil source yields nil, which every
// backend treats as "match everything".
func Resolve(src Source) *Query {
	if src == nil {
		return nil
	}
	return src.Query()
}

// IsEmpty reports whether the query places no constraint at all.
func (q *Query) IsEmpty() bool {
	return q == nil || (len(q.IDs) == 0 && len(q.Topics) == 0 && q.Timestamp.IsZero() && len(q.Payload) == 0)
}

// Validate checks the topic patterns. An inverted time range is valid and
// matches nothing.
func (q *Query) Validate() error {
	if q == nil {
		return nil
	}
	for _, t := range q.Topics {
		if err := topics.ValidatePattern(t); err != nil {
			return fmt.Errorf("topic %q: %w", t, err)
		}
	}
	return nil
}

// TopicMatches reports whether topic matches any of the query's patterns.
func (q *Query) TopicMatches(topic string) bool {
	return topics.MatchAny(q.Topics, topic)
}

// Matches reports whether msg satisfies the query. It is used for live,
// in-process filtering.
//
// NOTE: the payload check only verifies that every payload path of the query
// resolves on the message; expected values are not compared. Storage backends
// compare values in their native predicates (see Filter).
func (q *Query) Matches(msg *message.Message) bool {
	if q == nil {
		return true
	}
	if len(q.IDs) > 0 && !contains(q.IDs, msg.ID()) {
		return false
	}
	if len(q.Topics) > 0 && !q.TopicMatches(msg.Topic()) {
		return false
	}
	if !q.Timestamp.Contains(msg.Timestamp()) {
		return false
	}
	for key := range q.Payload {
		if !msg.Has(key) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := &Query{
		IDs:       append([]string(nil), q.IDs...),
		Topics:    append([]string(nil), q.Topics...),
		Timestamp: q.Timestamp,
	}
	if q.Payload != nil {
		c.Payload = make(map[string]any, len(q.Payload))
		for k, v := range q.Payload {
			c.Payload[k] = v
		}
	}
	return c
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
