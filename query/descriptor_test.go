// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package query_test

import (
	"testing"
	"time"

	"github.com/absmach/journal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseJSON(t *testing.T) {
	q, err := query.ParseJSON([]byte(`{
		"id": "foo",
		"topic": ["log.irc.*", "log.core"],
		"timestamp": {"from": "2020-01-01T00:00:00Z"},
		"payload": {"channel": "#rbot", "foo.bar": "baz"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"foo"}, q.IDs)
	assert.Equal(t, []string{"log.irc.*", "log.core"}, q.Topics)
	require.NotNil(t, q.Timestamp.From)
	assert.Nil(t, q.Timestamp.To)
	assert.True(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Equal(*q.Timestamp.From))
	assert.Equal(t, map[string]any{"channel": "#rbot", "foo.bar": "baz"}, q.Payload)
}

func TestParseJSONErrors(t *testing.T) {
	_, err := query.ParseJSON([]byte(`{"id": 42}`))
	assert.Error(t, err)

	_, err = query.ParseJSON([]byte(`{"topic": "log*"}`))
	assert.Error(t, err)
}

func TestDescriptorYAML(t *testing.T) {
	var d query.Descriptor
	err := yaml.Unmarshal([]byte(`
id: [a, b]
topic: log.core
payload:
  action: privmsg
`), &d)
	require.NoError(t, err)

	q := d.Query()
	assert.Equal(t, []string{"a", "b"}, q.IDs)
	assert.Equal(t, []string{"log.core"}, q.Topics)
	assert.Equal(t, "privmsg", q.Payload["action"])
	assert.True(t, q.Timestamp.IsZero())
}

func TestResolve(t *testing.T) {
	assert.Nil(t, query.Resolve(nil))

	d := query.Descriptor{Topic: query.StringList{"foo"}}
	assert.Equal(t, []string{"foo"}, query.Resolve(d).Topics)

	q := query.Define(func(b *query.Builder) { b.ID("x") })
	assert.Same(t, q, query.Resolve(q))
}
