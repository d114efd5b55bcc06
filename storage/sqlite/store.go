// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/topics"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

var _ storage.Store = (*Store)(nil)

// InMemory is the path selecting an in-memory database.
const InMemory = ":memory:"

const table = "journal"

// Store is the SQLite-backed journal.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type row struct {
	Seq     int64  `db:"seq"`
	ID      string `db:"id"`
	Topic   string `db:"topic"`
	TS      int64  `db:"ts"`
	Payload string `db:"payload"`
}

// New opens the database at path and applies the schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writes and keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Open implements storage.Factory. Accepted URIs are sqlite://path,
// sqlite:///abs/path, sqlite::memory: and plain paths.
func Open(ctx context.Context, uri string, logger *slog.Logger) (storage.Store, error) {
	loc, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	u := loc.URL
	path := u.Host + u.Path
	switch {
	case u.Opaque != "":
		path = u.Opaque
	case u.Scheme != "" && u.Scheme != "sqlite":
		return nil, fmt.Errorf("%w: unexpected scheme %q", storage.ErrInvalidURI, u.Scheme)
	}
	if path == "" || path == "memory" {
		path = InMemory
	}

	s, err := New(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	if loc.Drop {
		if err := s.Drop(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Insert persists a message.
func (s *Store) Insert(ctx context.Context, msg *message.Message) error {
	payload, err := json.Marshal(msg.Record().Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	stmt, args, err := sq.Insert(table).
		Columns("id", "topic", "ts", "payload").
		Values(msg.ID(), msg.Topic(), msg.Timestamp().UnixNano(), string(payload)).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, msg.ID())
		}
		return err
	}
	return nil
}

// EnsurePayloadIndex creates an expression index on the payload path.
func (s *Store) EnsurePayloadIndex(ctx context.Context, key string) error {
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName(key), table, accessor(key))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create payload index %s: %w", key, err)
	}
	return nil
}

// Find returns a page of matching messages.
func (s *Store) Find(ctx context.Context, q *query.Query, page storage.Page) ([]*message.Message, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}

	stmt, args, err := where(sq.Select("seq", "id", "topic", "ts", "payload").From(table), q).
		OrderBy("seq").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, err
	}

	msgs := make([]*message.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Each streams a page of matching messages to fn.
func (s *Store) Each(ctx context.Context, q *query.Query, page storage.Page, fn func(*message.Message) error) error {
	msgs, err := s.Find(ctx, q, page)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of matching messages.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	stmt, args, err := where(sq.Select("COUNT(*)").From(table), q).ToSql()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.db.GetContext(ctx, &n, stmt, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// Remove deletes the matching messages.
func (s *Store) Remove(ctx context.Context, q *query.Query) (int64, error) {
	del := sq.Delete(table)
	if conds := conditions(q); len(conds) > 0 {
		del = del.Where(conds)
	}
	stmt, args, err := del.ToSql()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Drop drops the journal table with its indexes and recreates the schema.
func (s *Store) Drop(ctx context.Context) error {
	if err := execTrans(ctx, s.db, "DROP TABLE IF EXISTS "+table+"; PRAGMA user_version = 0;"); err != nil {
		return fmt.Errorf("failed to drop journal: %w", err)
	}
	return migrate(ctx, s.db, s.logger)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (r row) message() (*message.Message, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", r.ID, err)
	}
	return message.FromRecord(message.Record{
		ID:        r.ID,
		Topic:     r.Topic,
		Timestamp: time.Unix(0, r.TS).UTC(),
		Payload:   payload,
	})
}

func where(b sq.SelectBuilder, q *query.Query) sq.SelectBuilder {
	if conds := conditions(q); len(conds) > 0 {
		return b.Where(conds)
	}
	return b
}

// conditions translates q into a conjunction of its non-empty groups.
func conditions(q *query.Query) sq.And {
	if q == nil {
		return nil
	}

	var and sq.And
	if len(q.IDs) > 0 {
		and = append(and, sq.Eq{"id": q.IDs})
	}

	if len(q.Topics) > 0 {
		exact, wildcard := topics.Literals(q.Topics)
		var or sq.Or
		if len(exact) > 0 {
			or = append(or, sq.Eq{"topic": exact})
		}
		for _, p := range wildcard {
			or = append(or, sq.Expr("topic REGEXP ?", topics.Regexp(p)))
		}
		and = append(and, or)
	}

	if from := q.Timestamp.From; from != nil {
		and = append(and, sq.GtOrEq{"ts": from.UnixNano()})
	}
	if to := q.Timestamp.To; to != nil {
		and = append(and, sq.LtOrEq{"ts": to.UnixNano()})
	}

	if len(q.Payload) > 0 {
		var or sq.Or
		for key, value := range q.Payload {
			data, err := json.Marshal(value)
			if err != nil {
				// Unencodable values cannot be stored either, so they never match.
				or = append(or, sq.Expr("0"))
				continue
			}
			// Equal SQL values are not enough: true extracts as 1 and an
			// object as its JSON text. Integer and real count as one kind.
			or = append(or, sq.Expr(
				accessor(key)+" = json_extract(?, '$') AND "+kind("payload", jsonPath(key))+" = "+kind("?", "'$'"),
				string(data), string(data)))
		}
		and = append(and, or)
	}

	return and
}

// accessor is the json_extract expression for a dotted payload key. The
// path is inlined so that expression indexes apply.
func accessor(key string) string {
	return fmt.Sprintf("json_extract(payload, %s)", jsonPath(key))
}

// jsonPath is the quoted SQL literal of the JSON path for a dotted payload key.
func jsonPath(key string) string {
	var p strings.Builder
	p.WriteString("$")
	for _, seg := range strings.Split(key, ".") {
		p.WriteString(`."`)
		p.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		p.WriteString(`"`)
	}
	return "'" + strings.ReplaceAll(p.String(), "'", "''") + "'"
}

// kind is the JSON type of doc at p, with integer folded into real.
func kind(doc, p string) string {
	return fmt.Sprintf("replace(json_type(%s, %s), 'integer', 'real')", doc, p)
}

func indexName(key string) string {
	var b strings.Builder
	b.WriteString("journal_payload_")
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
