// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/topics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
)

var _ storage.Store = (*Store)(nil)

const (
	// DefaultDatabase is used when the URI names no database.
	DefaultDatabase = "journal"
	// Collection holds the journal documents.
	Collection = "journal"
)

// Store is the MongoDB-backed journal.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

type document struct {
	ID        string         `bson:"_id"`
	Topic     string         `bson:"topic"`
	Timestamp time.Time      `bson:"timestamp"`
	Payload   map[string]any `bson:"payload"`
}

// New connects to uri and prepares the journal collection of database.
func New(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to ping: %w", err), client.Disconnect(ctx))
	}

	s := &Store{
		client: client,
		coll:   client.Database(database).Collection(Collection),
		logger: logger,
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, multierr.Append(err, client.Disconnect(ctx))
	}
	return s, nil
}

// Open implements storage.Factory for mongodb:// and mongodb+srv:// URIs.
// The database is taken from the URI path.
func Open(ctx context.Context, uri string, logger *slog.Logger) (storage.Store, error) {
	loc, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if s := loc.URL.Scheme; s != "mongodb" && s != "mongodb+srv" {
		return nil, fmt.Errorf("%w: unexpected scheme %q", storage.ErrInvalidURI, s)
	}

	database := strings.Trim(loc.URL.Path, "/")
	if database == "" {
		database = DefaultDatabase
	}

	s, err := New(ctx, loc.URL.String(), database, logger)
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

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "topic", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Insert persists a message.
func (s *Store) Insert(ctx context.Context, msg *message.Message) error {
	r := msg.Record()
	doc := bson.D{
		{Key: "_id", Value: r.ID},
		{Key: "topic", Value: r.Topic},
		{Key: "timestamp", Value: r.Timestamp},
		{Key: "payload", Value: ordered(r.Payload)},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, msg.ID())
		}
		return err
	}
	return nil
}

// EnsurePayloadIndex creates an ascending index on the payload path.
func (s *Store) EnsurePayloadIndex(ctx context.Context, key string) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "payload." + key, Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create payload index %s: %w", key, err)
	}
	return nil
}

// Find returns a page of matching messages.
func (s *Store) Find(ctx context.Context, q *query.Query, page storage.Page) ([]*message.Message, error) {
	return storage.Find(ctx, s, q, page)
}

// Each streams a page of matching messages ordered by timestamp and id.
func (s *Store) Each(ctx context.Context, q *query.Query, page storage.Page, fn func(*message.Message) error) error {
	page, err := page.Normalize()
	if err != nil {
		return err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cur, err := s.coll.Find(ctx, Filter(q), opts)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		m, err := message.FromRecord(message.Record{
			ID:        doc.ID,
			Topic:     doc.Topic,
			Timestamp: doc.Timestamp,
			Payload:   doc.Payload,
		})
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Count returns the number of matching messages.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	return s.coll.CountDocuments(ctx, Filter(q))
}

// Remove deletes the matching messages.
func (s *Store) Remove(ctx context.Context, q *query.Query) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, Filter(q))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Drop drops the collection with its payload indexes and recreates the
// default indexes.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.coll.Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop journal: %w", err)
	}
	return s.createIndexes(ctx)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Filter translates q into a MongoDB filter document: an $and of the
// non-empty groups, each group an $or of its alternatives. An empty query
// yields an empty filter.
func Filter(q *query.Query) bson.D {
	if q == nil {
		return bson.D{}
	}

	var and bson.A
	if len(q.IDs) > 0 {
		and = append(and, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: q.IDs}}}})
	}

	if len(q.Topics) > 0 {
		exact, wildcard := topics.Literals(q.Topics)
		var or bson.A
		if len(exact) > 0 {
			or = append(or, bson.D{{Key: "topic", Value: bson.D{{Key: "$in", Value: exact}}}})
		}
		for _, p := range wildcard {
			or = append(or, bson.D{{Key: "topic", Value: primitive.Regex{Pattern: topics.Regexp(p)}}})
		}
		and = append(and, bson.D{{Key: "$or", Value: or}})
	}

	if !q.Timestamp.IsZero() {
		var r bson.D
		if from := q.Timestamp.From; from != nil {
			r = append(r, bson.E{Key: "$gte", Value: *from})
		}
		if to := q.Timestamp.To; to != nil {
			r = append(r, bson.E{Key: "$lte", Value: *to})
		}
		and = append(and, bson.D{{Key: "timestamp", Value: r}})
	}

	if len(q.Payload) > 0 {
		var or bson.A
		for key, value := range q.Payload {
			or = append(or, bson.D{{Key: "payload." + key, Value: ordered(value)}})
		}
		and = append(and, bson.D{{Key: "$or", Value: or}})
	}

	if len(and) == 0 {
		return bson.D{}
	}
	return bson.D{{Key: "$and", Value: and}}
}

// ordered converts maps into documents with sorted keys, recursively.
// Subdocuments compare by field order, and Go maps have none.
func ordered(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return sortedDoc(v)
	case bson.M:
		return sortedDoc(v)
	case []any:
		arr := make(bson.A, len(v))
		for i, e := range v {
			arr[i] = ordered(e)
		}
		return arr
	default:
		return v
	}
}

func sortedDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: ordered(m[k])})
	}
	return doc
}
