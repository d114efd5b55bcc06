// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"testing"
	"time"

	"github.com/absmach/journal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditions(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := query.Define(func(b *query.Builder) {
		b.ID("a", "b")
		b.Topic("log.core", "log.irc.*")
		b.Timestamp(query.Since(from))
		b.Payload(map[string]any{"foo.bar": "baz"})
	})

	stmt, args, err := psql.Select("id").From(table).Where(conditions(q)).ToSql()
	require.NoError(t, err)

	assert.Equal(t, `SELECT id FROM journal WHERE (id IN ($1,$2) AND (topic IN ($3) OR topic ~ $4) AND ts >= $5 AND (payload #> '{"foo","bar"}' = $6::jsonb))`, stmt)
	assert.Equal(t, []any{"a", "b", "log.core", `^log\.irc\.[^.]+$`, from, `"baz"`}, args)
}

func TestConditionsEmpty(t *testing.T) {
	assert.Empty(t, conditions(nil))
	assert.Empty(t, conditions(query.Define(nil)))
}

func TestAccessor(t *testing.T) {
	assert.Equal(t, `payload #> '{"action"}'`, accessor("action"))
	assert.Equal(t, `payload #> '{"it''s","a"}'`, accessor("it's.a"))
	assert.Equal(t, "journal_payload_foo_bar", indexName("Foo.bar"))
}
