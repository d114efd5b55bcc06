// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	testutil.StoreContract(t, func(t *testing.T) storage.Store {
		store, err := New(Config{Dir: t.TempDir()}, nil)
		require.NoError(t, err)
		return store
	})
}

func TestStoreContract_InMemory(t *testing.T) {
	testutil.StoreContract(t, func(t *testing.T) storage.Store {
		store, err := New(Config{InMemory: true}, nil)
		require.NoError(t, err)
		return store
	})
}

func TestStore_Close(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	// Close should not error
	assert.NoError(t, store.Close())

	// Second close should not panic (idempotent)
	assert.NoError(t, store.Close())

	err = store.Insert(context.Background(), testutil.Fixtures(t)[0])
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.EnsurePayloadIndex(ctx, "action"))
	for _, m := range testutil.Fixtures(t) {
		require.NoError(t, store.Insert(ctx, m))
	}
	require.NoError(t, store.Close())

	store, err = New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer store.Close()

	assert.Contains(t, store.indexKeys(), "action")

	n, err := store.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	// Sequence numbers keep growing across restarts.
	extra := testutil.NewMessage(t, "m5", "stats", testutil.Base, map[string]any{"action": "part"})
	require.NoError(t, store.Insert(ctx, extra))

	got, err := store.Find(ctx, nil, storage.Page{})
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "m5", got[5].ID())

	got, err = store.Find(ctx, query.Define(func(b *query.Builder) {
		b.Payload(map[string]any{"action": "part"})
	}), storage.Page{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m5", got[0].ID())
}

func TestStore_IndexCandidates(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	for _, m := range testutil.Fixtures(t) {
		require.NoError(t, store.Insert(ctx, m))
	}
	require.NoError(t, store.EnsurePayloadIndex(ctx, "points"))

	q := query.Define(func(b *query.Builder) { b.Payload(map[string]any{"points": 42}) })
	assert.True(t, store.allIndexed(q.Payload))

	got, err := store.Find(ctx, q, storage.Page{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m3", got[0].ID())

	q = query.Define(func(b *query.Builder) { b.Payload(map[string]any{"points": 42, "action": "privmsg"}) })
	assert.False(t, store.allIndexed(q.Payload))
}

func TestStore_IndexWhileInserting(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	const total = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				m := testutil.NewMessage(t, id, "log.core", testutil.Base.Add(time.Duration(i)*time.Second),
					map[string]any{"kind": "tick"})
				assert.NoError(t, store.Insert(ctx, m))
			}
		}(w)
	}
	assert.NoError(t, store.EnsurePayloadIndex(ctx, "kind"))
	wg.Wait()

	q := query.Define(func(b *query.Builder) { b.Payload(map[string]any{"kind": "tick"}) })
	n, err := store.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)

	got, err := store.Find(ctx, q, storage.Page{Limit: total})
	require.NoError(t, err)
	assert.Len(t, got, total)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "badger://memory", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	dir := t.TempDir()
	s, err = Open(ctx, "badger://"+dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, testutil.Fixtures(t)[0]))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, nil)
	require.NoError(t, err)
	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "badger://"+dir+"?drop=true", nil)
	require.NoError(t, err)
	defer s.Close()
	n, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = Open(ctx, "", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidURI)
}
