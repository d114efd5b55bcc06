// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package query

// Builder accumulates query constraints. ID, Topic and Payload append to what
// was collected before; Timestamp replaces the previous range.
type Builder struct {
	q Query
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{q: Query{Payload: map[string]any{}}}
}

// Define builds a query with the given definition function:
//
//	q := query.Define(func(b *query.Builder) {
//		b.ID("foo", "bar")
//		b.Topic("log.irc.*", "log.core")
//		b.Timestamp(query.Between(start, end))
//		b.Payload(map[string]any{"action": "privmsg", "foo.bar": "baz"})
//	})
func Define(fn func(b *Builder)) *Query {
	b := NewBuilder()
	if fn != nil {
		fn(b)
	}
	return b.Build()
}

// ID adds acceptable message ids.
func (b *Builder) ID(ids ...string) *Builder {
	b.q.IDs = append(b.q.IDs, ids...)
	return b
}

// Topic adds acceptable topic patterns.
func (b *Builder) Topic(patterns ...string) *Builder {
	b.q.Topics = append(b.q.Topics, patterns...)
	return b
}

// Timestamp sets the time range, replacing any earlier range.
func (b *Builder) Timestamp(r Range) *Builder {
	b.q.Timestamp = r
	return b
}

// Payload merges dotted-path constraints into the query.
func (b *Builder) Payload(kv map[string]any) *Builder {
	for k, v := range kv {
		b.q.Payload[k] = v
	}
	return b
}

// Build returns a copy of the accumulated query.
func (b *Builder) Build() *Query {
	return b.q.Clone()
}
