// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the timestamp of the first fixture message. Fixture timestamps
// advance by one minute each, so timestamp order equals insertion order.
var Base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// OpenFunc returns a fresh, empty store. The caller closes it.
type OpenFunc func(t *testing.T) storage.Store

// NewMessage builds a message with a fixed id and timestamp.
func NewMessage(t *testing.T, id, topic string, ts time.Time, payload map[string]any) *message.Message {
	t.Helper()
	m, err := message.New(topic, payload, message.WithID(id), message.WithTimestamp(ts))
	require.NoError(t, err)
	return m
}

// Fixtures returns the messages used by the contract tests.
func Fixtures(t *testing.T) []*message.Message {
	t.Helper()
	at := func(i int) time.Time { return Base.Add(time.Duration(i) * time.Minute) }
	return []*message.Message{
		NewMessage(t, "m0", "log.irc.raw", at(0), map[string]any{"action": "privmsg", "channel": "#rbot"}),
		NewMessage(t, "m1", "log.core", at(1), map[string]any{"foo": map[string]any{"bar": "baz"}}),
		NewMessage(t, "m2", "log.irc.raw.deep", at(2), map[string]any{"action": "privmsg"}),
		NewMessage(t, "m3", "log.core", at(3), map[string]any{"action": "join", "points": 42}),
		NewMessage(t, "m4", "stats", at(4), map[string]any{"points": 7, "channel": "#other"}),
	}
}

func seed(t *testing.T, s storage.Store) []*message.Message {
	t.Helper()
	msgs := Fixtures(t)
	for _, m := range msgs {
		require.NoError(t, s.Insert(context.Background(), m))
	}
	return msgs
}

func idsOrNil(msgs []*message.Message) []string {
	if len(msgs) == 0 {
		return nil
	}
	return ids(msgs)
}

func ids(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID()
	}
	return out
}

// StoreContract runs the storage.Store behaviour every backend must satisfy.
func StoreContract(t *testing.T, open OpenFunc) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		ts := time.Now()
		orig, err := message.New("log.core", map[string]any{"foo": map[string]any{"bar": "baz"}},
			message.WithTimestamp(ts))
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, orig))

		got, err := s.Find(ctx, query.Define(func(b *query.Builder) { b.Topic("log.core") }), storage.Page{})
		require.NoError(t, err)
		require.Len(t, got, 1)

		assert.True(t, orig.Equal(got[0]))
		assert.Equal(t, "log.core", got[0].Topic())
		assert.Equal(t, "baz", got[0].Value("foo.bar"))
		assert.WithinDuration(t, ts, got[0].Timestamp(), time.Second)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		m := NewMessage(t, "dup", "foo", Base, map[string]any{})
		require.NoError(t, s.Insert(ctx, m))
		err := s.Insert(ctx, m)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("Find", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		tests := []struct {
			name  string
			query *query.Query
			want  []string
		}{
			{
				name:  "empty query matches all",
				query: nil,
				want:  []string{"m0", "m1", "m2", "m3", "m4"},
			},
			{
				name:  "ids",
				query: query.Define(func(b *query.Builder) { b.ID("m3", "m1", "nope") }),
				want:  []string{"m1", "m3"},
			},
			{
				name:  "exact topic",
				query: query.Define(func(b *query.Builder) { b.Topic("log.core") }),
				want:  []string{"m1", "m3"},
			},
			{
				name:  "wildcard is one segment",
				query: query.Define(func(b *query.Builder) { b.Topic("log.irc.*") }),
				want:  []string{"m0"},
			},
			{
				name:  "wildcard does not match prefix",
				query: query.Define(func(b *query.Builder) { b.Topic("stats.*") }),
				want:  nil,
			},
			{
				name:  "leading wildcard",
				query: query.Define(func(b *query.Builder) { b.Topic("*.core") }),
				want:  []string{"m1", "m3"},
			},
			{
				name:  "topics or",
				query: query.Define(func(b *query.Builder) { b.Topic("log.irc.*.*", "stats") }),
				want:  []string{"m2", "m4"},
			},
			{
				name: "timestamp range",
				query: query.Define(func(b *query.Builder) {
					b.Timestamp(query.Between(Base.Add(time.Minute), Base.Add(3*time.Minute)))
				}),
				want: []string{"m1", "m2", "m3"},
			},
			{
				name: "inverted range matches nothing",
				query: query.Define(func(b *query.Builder) {
					b.Timestamp(query.Between(Base.Add(3*time.Minute), Base.Add(time.Minute)))
				}),
				want: nil,
			},
			{
				name:  "timestamp since",
				query: query.Define(func(b *query.Builder) { b.Timestamp(query.Since(Base.Add(3 * time.Minute))) }),
				want:  []string{"m3", "m4"},
			},
			{
				name:  "payload or",
				query: query.Define(func(b *query.Builder) { b.Payload(map[string]any{"action": "join", "channel": "#other"}) }),
				want:  []string{"m3", "m4"},
			},
			{
				name:  "nested payload",
				query: query.Define(func(b *query.Builder) { b.Payload(map[string]any{"foo.bar": "baz"}) }),
				want:  []string{"m1"},
			},
			{
				name:  "payload number",
				query: query.Define(func(b *query.Builder) { b.Payload(map[string]any{"points": 42}) }),
				want:  []string{"m3"},
			},
			{
				name: "groups and",
				query: query.Define(func(b *query.Builder) {
					b.Topic("log.irc.*", "log.irc.*.*")
					b.Payload(map[string]any{"action": "privmsg"})
					b.Timestamp(query.Since(Base.Add(time.Minute)))
				}),
				want: []string{"m2"},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Find(ctx, tt.query, storage.Page{})
				require.NoError(t, err)
				if len(tt.want) == 0 {
					assert.Empty(t, got)
					return
				}
				assert.Equal(t, tt.want, ids(got))
			})
		}
	})

	t.Run("PayloadTypes", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Insert(ctx, NewMessage(t, "flag", "types", Base, map[string]any{"flag": true})))
		require.NoError(t, s.Insert(ctx, NewMessage(t, "one", "types", Base.Add(time.Minute), map[string]any{"flag": 1})))
		require.NoError(t, s.Insert(ctx, NewMessage(t, "text", "types", Base.Add(2*time.Minute),
			map[string]any{"doc": `{"a":"x"}`})))
		require.NoError(t, s.Insert(ctx, NewMessage(t, "object", "types", Base.Add(3*time.Minute),
			map[string]any{"doc": map[string]any{"a": "x"}})))

		tests := []struct {
			name    string
			payload map[string]any
			want    []string
		}{
			{name: "bool", payload: map[string]any{"flag": true}, want: []string{"flag"}},
			{name: "number", payload: map[string]any{"flag": 1}, want: []string{"one"}},
			{name: "float equals integer", payload: map[string]any{"flag": 1.0}, want: []string{"one"}},
			{name: "false", payload: map[string]any{"flag": false}, want: nil},
			{name: "string", payload: map[string]any{"doc": `{"a":"x"}`}, want: []string{"text"}},
			{name: "object", payload: map[string]any{"doc": map[string]any{"a": "x"}}, want: []string{"object"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				q := query.Define(func(b *query.Builder) { b.Payload(tt.payload) })
				got, err := s.Find(ctx, q, storage.Page{})
				require.NoError(t, err)
				assert.Equal(t, tt.want, idsOrNil(got))

				n, err := s.Count(ctx, q)
				require.NoError(t, err)
				assert.Equal(t, int64(len(tt.want)), n)
			})
		}
	})

	t.Run("Page", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		got, err := s.Find(ctx, nil, storage.Page{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"m0", "m1"}, ids(got))

		got, err = s.Find(ctx, nil, storage.Page{Limit: 2, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4"}, ids(got))

		got, err = s.Find(ctx, nil, storage.Page{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = s.Find(ctx, nil, storage.Page{Limit: -1})
		assert.ErrorIs(t, err, storage.ErrInvalidPage)
	})

	t.Run("Each", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		var seen []string
		err := s.Each(ctx, query.Define(func(b *query.Builder) { b.Topic("log.core") }), storage.Page{},
			func(m *message.Message) error {
				seen = append(seen, m.ID())
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m3"}, seen)

		errStop := errors.New("stop")
		seen = nil
		err = s.Each(ctx, nil, storage.Page{}, func(m *message.Message) error {
			seen = append(seen, m.ID())
			if len(seen) == 2 {
				return errStop
			}
			return nil
		})
		assert.ErrorIs(t, err, errStop)
		assert.Len(t, seen, 2)
	})

	t.Run("Count", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		n, err := s.Count(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)

		n, err = s.Count(ctx, query.Define(func(b *query.Builder) { b.Topic("log.*") }))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("Remove", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		n, err := s.Remove(ctx, query.Define(func(b *query.Builder) { b.Topic("log.core") }))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		got, err := s.Find(ctx, nil, storage.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"m0", "m2", "m4"}, ids(got))

		n, err = s.Remove(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		n, err = s.Count(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		// Removed ids may be inserted again.
		require.NoError(t, s.Insert(ctx, Fixtures(t)[1]))
	})

	t.Run("PayloadIndex", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.EnsurePayloadIndex(ctx, "action"))
		seed(t, s)
		require.NoError(t, s.EnsurePayloadIndex(ctx, "action"))
		require.NoError(t, s.EnsurePayloadIndex(ctx, "foo.bar"))

		got, err := s.Find(ctx, query.Define(func(b *query.Builder) { b.Payload(map[string]any{"action": "privmsg"}) }), storage.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"m0", "m2"}, ids(got))

		got, err = s.Find(ctx, query.Define(func(b *query.Builder) { b.Payload(map[string]any{"foo.bar": "baz"}) }), storage.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))

		n, err := s.Remove(ctx, query.Define(func(b *query.Builder) { b.Payload(map[string]any{"action": "privmsg"}) }))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = s.Count(ctx, query.Define(func(b *query.Builder) { b.Payload(map[string]any{"action": "privmsg"}) }))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Drop", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		seed(t, s)

		require.NoError(t, s.Drop(ctx))

		n, err := s.Count(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, s.Insert(ctx, Fixtures(t)[0]))
		n, err = s.Count(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}
