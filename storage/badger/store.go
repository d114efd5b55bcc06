// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/multierr"
)

var _ storage.Store = (*Store)(nil)

// MemoryDir is the URI host selecting in-memory mode.
const MemoryDir = "memory"

// Store is the BadgerDB-backed journal.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	// indexes caches the registered payload index keys.
	indexes map[string]struct{}
	idxMu   sync.RWMutex

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool
}

// New creates a new BadgerDB-backed store.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence(seqKey, 1000)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to lease sequence: %w", err), db.Close())
	}

	s := &Store{
		db:       db,
		seq:      seq,
		logger:   logger,
		indexes:  make(map[string]struct{}),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if err := s.loadIndexes(); err != nil {
		return nil, multierr.Combine(err, seq.Release(), db.Close())
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Open implements storage.Factory. Accepted URIs are badger:///path,
// badger://memory and plain directory paths.
func Open(ctx context.Context, uri string, logger *slog.Logger) (storage.Store, error) {
	loc, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	cfg := Config{Dir: loc.URL.Path}
	switch {
	case loc.URL.Scheme == "" && loc.URL.Path == "":
		return nil, fmt.Errorf("%w: missing badger directory", storage.ErrInvalidURI)
	case loc.URL.Host == MemoryDir:
		cfg = Config{InMemory: true}
	case loc.URL.Scheme != "" && loc.URL.Scheme != "badger":
		return nil, fmt.Errorf("%w: unexpected scheme %q", storage.ErrInvalidURI, loc.URL.Scheme)
	}

	s, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if loc.Drop {
		if err := s.Drop(ctx); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
	}
	return s, nil
}

func (s *Store) loadIndexes() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = indexPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := strings.TrimPrefix(string(it.Item().Key()), string(indexPrefix))
			s.indexes[key] = struct{}{}
		}
		return nil
	})
}

// indexKeys lists the indexed payload keys. The caller holds idxMu.
func (s *Store) indexKeys() []string {
	keys := make([]string, 0, len(s.indexes))
	for k := range s.indexes {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Insert persists a message along with its id and payload index entries.
func (s *Store) Insert(_ context.Context, msg *message.Message) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	val, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	// Held until commit so an index built concurrently sees this record.
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	indexed := s.indexKeys()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(idKey(msg.ID()))
		switch {
		case err == nil:
			return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, msg.ID())
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		if err := txn.Set(msgKey(seq), val); err != nil {
			return err
		}
		if err := txn.Set(idKey(msg.ID()), seqBytes(seq)); err != nil {
			return err
		}
		for _, key := range indexed {
			v, err := msg.Get(key)
			if err != nil {
				continue
			}
			ek, err := entryKey(key, v, seq)
			if err != nil {
				return err
			}
			if err := txn.Set(ek, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsurePayloadIndex registers key and indexes the existing records.
func (s *Store) EnsurePayloadIndex(ctx context.Context, key string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if _, ok := s.indexes[key]; ok {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set(indexKey(key), nil); err != nil {
		return err
	}
	err := s.scan(ctx, nil, func(seq uint64, m *message.Message) (bool, error) {
		v, err := m.Get(key)
		if err != nil {
			return true, nil
		}
		ek, err := entryKey(key, v, seq)
		if err != nil {
			return false, err
		}
		return true, wb.Set(ek, nil)
	})
	if err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to build payload index %s: %w", key, err)
	}

	s.indexes[key] = struct{}{}
	s.logger.Debug("payload index created", slog.String("key", key))
	return nil
}

// Find returns a page of matching messages.
func (s *Store) Find(ctx context.Context, q *query.Query, page storage.Page) ([]*message.Message, error) {
	return storage.Find(ctx, s, q, page)
}

// Each streams a page of matching messages to fn in insertion order.
func (s *Store) Each(ctx context.Context, q *query.Query, page storage.Page, fn func(*message.Message) error) error {
	page, err := page.Normalize()
	if err != nil {
		return err
	}
	if s.isClosed() {
		return storage.ErrClosed
	}

	var hits []*message.Message
	skipped := 0
	s.idxMu.RLock()
	err = s.scan(ctx, q, func(_ uint64, m *message.Message) (bool, error) {
		if skipped < page.Offset {
			skipped++
			return true, nil
		}
		hits = append(hits, m)
		return len(hits) < page.Limit, nil
	})
	s.idxMu.RUnlock()
	if err != nil {
		return err
	}

	for _, m := range hits {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of matching messages.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	var n int64
	if q.IsEmpty() {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = msgPrefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			return nil
		})
		return n, err
	}

	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	err := s.scan(ctx, q, func(uint64, *message.Message) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// Remove deletes the matching records and their index entries.
func (s *Store) Remove(ctx context.Context, q *query.Query) (int64, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	indexed := s.indexKeys()
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	var n int64
	err := s.scan(ctx, q, func(seq uint64, m *message.Message) (bool, error) {
		if err := wb.Delete(msgKey(seq)); err != nil {
			return false, err
		}
		if err := wb.Delete(idKey(m.ID())); err != nil {
			return false, err
		}
		for _, key := range indexed {
			v, err := m.Get(key)
			if err != nil {
				continue
			}
			ek, err := entryKey(key, v, seq)
			if err != nil {
				return false, err
			}
			if err := wb.Delete(ek); err != nil {
				return false, err
			}
		}
		n++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to remove messages: %w", err)
	}
	return n, nil
}

// Drop discards every record and payload index.
func (s *Store) Drop(_ context.Context) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	for _, prefix := range [][]byte{msgPrefix, idPrefix, indexPrefix, entryPrefix} {
		if err := s.db.DropPrefix(prefix); err != nil {
			return fmt.Errorf("failed to drop journal: %w", err)
		}
	}
	s.indexes = make(map[string]struct{})
	return nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	return multierr.Append(s.seq.Release(), s.db.Close())
}

// scan visits the records matching q in insertion order until fn returns
// false. When the query constrains ids, or every payload key is indexed,
// the candidates are taken from the secondary indexes; otherwise all records
// are scanned. The caller holds idxMu.
func (s *Store) scan(ctx context.Context, q *query.Query, fn func(seq uint64, m *message.Message) (bool, error)) error {
	match := query.Filter(q)

	return s.db.View(func(txn *badger.Txn) error {
		seqs, ok, err := s.candidates(txn, q)
		if err != nil {
			return err
		}

		if ok {
			for _, seq := range seqs {
				if err := ctx.Err(); err != nil {
					return err
				}
				item, err := txn.Get(msgKey(seq))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				cont, err := s.visit(item, seq, match, fn)
				if err != nil || !cont {
					return err
				}
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			cont, err := s.visit(item, seqFromSuffix(item.Key()), match, fn)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	})
}

func (s *Store) visit(item *badger.Item, seq uint64, match query.Predicate, fn func(uint64, *message.Message) (bool, error)) (bool, error) {
	var m *message.Message
	err := item.Value(func(val []byte) error {
		var err error
		m, err = decodeMessage(val)
		return err
	})
	if err != nil {
		return false, err
	}
	if !match(m) {
		return true, nil
	}
	return fn(seq, m)
}

// candidates returns the sorted sequence numbers an index narrows q to.
func (s *Store) candidates(txn *badger.Txn, q *query.Query) ([]uint64, bool, error) {
	if q == nil {
		return nil, false, nil
	}

	set := make(map[uint64]struct{})
	switch {
	case len(q.IDs) > 0:
		for _, id := range q.IDs {
			item, err := txn.Get(idKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return nil, false, err
			}
			set[seqFromSuffix(val)] = struct{}{}
		}

	case len(q.Payload) > 0 && s.allIndexed(q.Payload):
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for key, value := range q.Payload {
			prefix, err := entryValuePrefix(key, value)
			if err != nil {
				return nil, false, err
			}
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				k := it.Item().Key()
				if len(k) != len(prefix)+8 || !bytes.HasPrefix(k, prefix) {
					continue
				}
				set[seqFromSuffix(k)] = struct{}{}
			}
		}

	default:
		return nil, false, nil
	}

	seqs := make([]uint64, 0, len(set))
	for seq := range set {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, true, nil
}

// allIndexed reports whether every payload key is indexed. The caller
// holds idxMu.
func (s *Store) allIndexed(payload map[string]any) bool {
	for key := range payload {
		if _, ok := s.indexes[key]; !ok {
			return false
		}
	}
	return true
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				s.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			return
		}
	}
}
