// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	testutil.StoreContract(t, func(t *testing.T) storage.Store {
		store, err := New(context.Background(), filepath.Join(t.TempDir(), "journal.db"), nil)
		require.NoError(t, err)
		return store
	})
}

func TestStoreContract_InMemory(t *testing.T) {
	testutil.StoreContract(t, func(t *testing.T) storage.Store {
		store, err := New(context.Background(), InMemory, nil)
		require.NoError(t, err)
		return store
	})
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, InMemory, nil)
	require.NoError(t, err)
	defer store.Close()

	v, err := userVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, migrate(ctx, store.db, store.logger))
	v, err = userVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPayloadIndexUsed(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, InMemory, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsurePayloadIndex(ctx, "foo.bar"))

	var plan []struct {
		ID      int    `db:"id"`
		Parent  int    `db:"parent"`
		NotUsed int    `db:"notused"`
		Detail  string `db:"detail"`
	}
	err = store.db.SelectContext(ctx, &plan,
		"EXPLAIN QUERY PLAN SELECT id FROM journal WHERE "+accessor("foo.bar")+" = json_extract(?, '$')", `"baz"`)
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Contains(t, plan[0].Detail, indexName("foo.bar"))
}

func TestAccessor(t *testing.T) {
	assert.Equal(t, `json_extract(payload, '$."foo"."bar"')`, accessor("foo.bar"))
	assert.Equal(t, `json_extract(payload, '$."it''s"')`, accessor("it's"))
	assert.Equal(t, "journal_payload_foo_bar", indexName("foo.bar"))
}

func TestRegexpMatch(t *testing.T) {
	ok, err := regexpMatch(`^foo\.[^.]+$`, "foo.bar")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = regexpMatch(`^foo\.[^.]+$`, "foo.bar.baz")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = regexpMatch(`(`, "x")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(ctx, "sqlite://"+path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, testutil.Fixtures(t)[0]))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "sqlite://"+path+"?drop=true", nil)
	require.NoError(t, err)
	n, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "sqlite::memory:", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "mysql://localhost/db", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidURI)
}
