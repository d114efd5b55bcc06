// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/topics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ storage.Store = (*Store)(nil)

// MinServerVersion is the first release with JSONB (9.4).
const MinServerVersion = 90400

const (
	table       = "journal"
	indexPrefix = "journal_payload_"
	uniqueCode  = "23505"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the PostgreSQL-backed journal.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the database, checks the server version and applies the
// schema.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	version, err := serverVersion(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if version < MinServerVersion {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres %d, need %d or later", storage.ErrUnsupportedVersion, version, MinServerVersion)
	}

	if err := RunMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Debug("connected", slog.Int("server_version", version))
	return &Store{pool: pool, logger: logger}, nil
}

// Open implements storage.Factory for postgres:// and postgresql:// URIs.
func Open(ctx context.Context, uri string, logger *slog.Logger) (storage.Store, error) {
	loc, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if s := loc.URL.Scheme; s != "postgres" && s != "postgresql" {
		return nil, fmt.Errorf("%w: unexpected scheme %q", storage.ErrInvalidURI, s)
	}

	s, err := New(ctx, loc.URL.String(), logger)
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

func serverVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var raw string
	if err := pool.QueryRow(ctx, "SHOW server_version_num").Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to read server version: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to parse server version %q: %w", raw, err)
	}
	return v, nil
}

// Insert persists a message.
func (s *Store) Insert(ctx context.Context, msg *message.Message) error {
	payload, err := json.Marshal(msg.Record().Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	stmt, args, err := psql.Insert(table).
		Columns("id", "topic", "ts", "payload").
		Values(msg.ID(), msg.Topic(), msg.Timestamp(), string(payload)).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueCode {
			return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, msg.ID())
		}
		return err
	}
	return nil
}

// EnsurePayloadIndex creates an expression index on the payload path.
func (s *Store) EnsurePayloadIndex(ctx context.Context, key string) error {
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s ((%s))",
		pgx.Identifier{indexName(key)}.Sanitize(), table, accessor(key))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create payload index %s: %w", key, err)
	}
	return nil
}

// Find returns a page of matching messages.
func (s *Store) Find(ctx context.Context, q *query.Query, page storage.Page) ([]*message.Message, error) {
	var msgs []*message.Message
	err := s.Each(ctx, q, page, func(m *message.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Each streams a page of matching messages to fn as rows arrive.
func (s *Store) Each(ctx context.Context, q *query.Query, page storage.Page, fn func(*message.Message) error) error {
	page, err := page.Normalize()
	if err != nil {
		return err
	}

	b := psql.Select("id", "topic", "ts", "payload").From(table)
	if conds := conditions(q); len(conds) > 0 {
		b = b.Where(conds)
	}
	stmt, args, err := b.OrderBy("seq").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       message.Record
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.Topic, &r.Timestamp, &payload); err != nil {
			return err
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return fmt.Errorf("failed to unmarshal payload of %s: %w", r.ID, err)
		}
		m, err := message.FromRecord(r)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of matching messages.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	b := psql.Select("COUNT(*)").From(table)
	if conds := conditions(q); len(conds) > 0 {
		b = b.Where(conds)
	}
	stmt, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.pool.QueryRow(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Remove deletes the matching messages.
func (s *Store) Remove(ctx context.Context, q *query.Query) (int64, error) {
	b := psql.Delete(table)
	if conds := conditions(q); len(conds) > 0 {
		b = b.Where(conds)
	}
	stmt, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Drop truncates the journal and drops every payload index.
func (s *Store) Drop(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		"SELECT indexname FROM pg_indexes WHERE tablename = $1 AND indexname LIKE $2",
		table, indexPrefix+"%")
	if err != nil {
		return err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, name := range names {
		batch.Queue("DROP INDEX IF EXISTS " + pgx.Identifier{name}.Sanitize())
	}
	batch.Queue("TRUNCATE " + table + " RESTART IDENTITY")
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to drop journal: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
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
			or = append(or, sq.Expr("topic ~ ?", topics.Regexp(p)))
		}
		and = append(and, or)
	}

	if from := q.Timestamp.From; from != nil {
		and = append(and, sq.GtOrEq{"ts": from.UTC().Truncate(time.Microsecond)})
	}
	if to := q.Timestamp.To; to != nil {
		and = append(and, sq.LtOrEq{"ts": to.UTC()})
	}

	if len(q.Payload) > 0 {
		var or sq.Or
		for key, value := range q.Payload {
			data, err := json.Marshal(value)
			if err != nil {
				or = append(or, sq.Expr("FALSE"))
				continue
			}
			or = append(or, sq.Expr(accessor(key)+" = ?::jsonb", string(data)))
		}
		and = append(and, or)
	}

	return and
}

// accessor is the #> expression for a dotted payload key. The path is a
// literal so that expression indexes apply.
func accessor(key string) string {
	segs := strings.Split(key, ".")
	for i, seg := range segs {
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		segs[i] = `"` + strings.ReplaceAll(seg, `"`, `\"`) + `"`
	}
	path := "{" + strings.Join(segs, ",") + "}"
	return "payload #> '" + strings.ReplaceAll(path, "'", "''") + "'"
}

func indexName(key string) string {
	var b strings.Builder
	b.WriteString(indexPrefix)
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
