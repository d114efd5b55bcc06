// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/journal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := message.New("log.irc.raw", map[string]any{"action": "privmsg"})
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID())
	assert.Equal(t, "log.irc.raw", m.Topic())
	assert.WithinDuration(t, time.Now(), m.Timestamp(), time.Second)
	assert.Equal(t, map[string]any{"action": "privmsg"}, m.Payload())
}

func TestNewOptions(t *testing.T) {
	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	m, err := message.New("foo", map[string]any{}, message.WithID("fixed"), message.WithTimestamp(ts))
	require.NoError(t, err)

	assert.Equal(t, "fixed", m.ID())
	assert.True(t, ts.Equal(m.Timestamp()))
}

func TestNewInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{"nil", nil},
		{"string", "hello"},
		{"slice", []any{1, 2}},
		{"int", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := message.New("foo", tt.payload)
			assert.ErrorIs(t, err, message.ErrInvalidPayload)
		})
	}
}

func TestNewNormalizesKeys(t *testing.T) {
	payload := map[any]any{
		"bar": 42,
		"qux": map[any]any{"quxx": 23},
	}
	m, err := message.New("foo", payload)
	require.NoError(t, err)

	v, err := m.Get("qux.quxx")
	require.NoError(t, err)
	assert.Equal(t, 23, v)
}

func TestGet(t *testing.T) {
	m, err := message.New("foo", map[string]any{
		"bar": 42,
		"baz": nil,
		"qux": map[string]any{"quxx": 23},
	})
	require.NoError(t, err)

	v, err := m.Get("bar")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, message.ErrNotFound)

	v, err = m.Get("nope", nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = m.Get("nope", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	v, err = m.Get("baz")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = m.Get("qux.quxx")
	require.NoError(t, err)
	assert.Equal(t, 23, v)

	_, err = m.Get("bar.deeper")
	assert.ErrorIs(t, err, message.ErrNotFound)

	assert.Nil(t, m.Value("nope"))
	assert.Equal(t, 42, m.Value("bar"))
	assert.True(t, m.Has("baz"))
	assert.False(t, m.Has("qux.nope"))
}

func TestImmutable(t *testing.T) {
	nested := map[string]any{"bar": "baz"}
	payload := map[string]any{"foo": nested}
	m, err := message.New("foo", payload)
	require.NoError(t, err)

	nested["bar"] = "changed"
	payload["new"] = true
	assert.Equal(t, "baz", m.Value("foo.bar"))
	assert.False(t, m.Has("new"))

	got := m.Payload()
	got["foo"].(map[string]any)["bar"] = "mutated"
	assert.Equal(t, "baz", m.Value("foo.bar"))
}

func TestEqual(t *testing.T) {
	a, err := message.New("foo", map[string]any{"a": 1}, message.WithID("same"))
	require.NoError(t, err)
	b, err := message.New("bar", map[string]any{"b": 2}, message.WithID("same"))
	require.NoError(t, err)
	c, err := message.New("foo", map[string]any{"a": 1})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestJSONRoundTrip(t *testing.T) {
	ts := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	m, err := message.New("log.core", map[string]any{"foo": map[string]any{"bar": "baz"}},
		message.WithTimestamp(ts))
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got message.Message
	require.NoError(t, json.Unmarshal(data, &got))

	assert.True(t, m.Equal(&got))
	assert.Equal(t, "log.core", got.Topic())
	assert.True(t, ts.Equal(got.Timestamp()))
	assert.Equal(t, "baz", got.Value("foo.bar"))
}
