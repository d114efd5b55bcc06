// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/absmach/journal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(t *testing.T, topic string) *message.Message {
	t.Helper()
	m, err := message.New(topic, map[string]any{})
	require.NoError(t, err)
	return m
}

func TestQueue_Unbounded(t *testing.T) {
	q := newQueue(0, "")

	for i := 0; i < 1000; i++ {
		evicted, err := q.push(newMsg(t, "foo"))
		require.NoError(t, err)
		assert.Nil(t, evicted)
	}
	assert.Equal(t, 1000, q.len())
}

func TestQueue_DrainAfterClose(t *testing.T) {
	q := newQueue(0, PolicyBlock)
	a, b := newMsg(t, "a"), newMsg(t, "b")

	_, err := q.push(a)
	require.NoError(t, err)
	_, err = q.push(b)
	require.NoError(t, err)
	q.close()

	_, err = q.push(newMsg(t, "c"))
	assert.ErrorIs(t, err, ErrClosed)

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", got.Topic())
	got, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "b", got.Topic())
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueue_DropPolicies(t *testing.T) {
	q := newQueue(2, PolicyDropNewest)
	_, _ = q.push(newMsg(t, "a"))
	_, _ = q.push(newMsg(t, "b"))
	_, err := q.push(newMsg(t, "c"))
	assert.ErrorIs(t, err, errQueueFull)
	assert.Equal(t, 2, q.len())

	q = newQueue(2, PolicyDropOldest)
	_, _ = q.push(newMsg(t, "a"))
	_, _ = q.push(newMsg(t, "b"))
	evicted, err := q.push(newMsg(t, "c"))
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.Topic())

	got, _ := q.pop()
	assert.Equal(t, "b", got.Topic())
}

func TestQueue_BlockUnblocksOnClose(t *testing.T) {
	q := newQueue(1, PolicyBlock)
	_, err := q.push(newMsg(t, "a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.push(newMsg(t, "b"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("push should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not release the blocked publisher")
	}
}

func TestQueue_PopWaits(t *testing.T) {
	q := newQueue(0, PolicyBlock)

	got := make(chan *message.Message, 1)
	go func() {
		m, _ := q.pop()
		got <- m
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.push(newMsg(t, "late"))
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, "late", m.Topic())
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake up")
	}
}
