// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the in-memory journal. Messages are kept in insertion order.
type Store struct {
	mu      sync.RWMutex
	msgs    []*message.Message
	ids     map[string]struct{}
	indexes map[string]struct{}
	closed  bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		ids:     make(map[string]struct{}),
		indexes: make(map[string]struct{}),
	}
}

// Open implements storage.Factory. The URI is ignored.
func Open(_ context.Context, _ string, _ *slog.Logger) (storage.Store, error) {
	return New(), nil
}

// Insert appends a message.
func (s *Store) Insert(_ context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.ids[msg.ID()]; ok {
		return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, msg.ID())
	}
	s.ids[msg.ID()] = struct{}{}
	s.msgs = append(s.msgs, msg)
	return nil
}

// EnsurePayloadIndex records the key; lookups always scan.
func (s *Store) EnsurePayloadIndex(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.indexes[key] = struct{}{}
	return nil
}

// Find returns a page of matching messages.
func (s *Store) Find(ctx context.Context, q *query.Query, page storage.Page) ([]*message.Message, error) {
	return storage.Find(ctx, s, q, page)
}

// Each streams a page of matching messages to fn.
func (s *Store) Each(ctx context.Context, q *query.Query, page storage.Page, fn func(*message.Message) error) error {
	page, err := page.Normalize()
	if err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	match := query.Filter(q)
	var hits []*message.Message
	skipped := 0
	for _, m := range s.msgs {
		if len(hits) == page.Limit {
			break
		}
		if !match(m) {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		hits = append(hits, m)
	}
	s.mu.RUnlock()

	// fn runs without the lock so it may call back into the store.
	for _, m := range hits {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of matching messages.
func (s *Store) Count(_ context.Context, q *query.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	match := query.Filter(q)
	var n int64
	for _, m := range s.msgs {
		if match(m) {
			n++
		}
	}
	return n, nil
}

// Remove deletes the matching messages.
func (s *Store) Remove(_ context.Context, q *query.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	match := query.Filter(q)
	kept := s.msgs[:0]
	var n int64
	for _, m := range s.msgs {
		if match(m) {
			delete(s.ids, m.ID())
			n++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(s.msgs); i++ {
		s.msgs[i] = nil
	}
	s.msgs = kept
	return n, nil
}

// Drop discards every message and index.
func (s *Store) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.msgs = nil
	s.ids = make(map[string]struct{})
	s.indexes = make(map[string]struct{})
	return nil
}

// Close marks the store closed. Further calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
