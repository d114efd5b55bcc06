// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
)

// DefaultLimit is the page size used when Page.Limit is zero.
const DefaultLimit = 100

// Common errors.
var (
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnknownBackend     = errors.New("unknown storage backend")
	ErrUnsupportedVersion = errors.New("unsupported storage server version")
	ErrInvalidPage        = errors.New("invalid page")
	ErrInvalidURI         = errors.New("invalid storage uri")
	ErrClosed             = errors.New("store closed")
)

// Store persists journal messages and answers queries over them.
//
// A nil query is unconstrained. Within a query, ids and topics are OR
// groups, the timestamp bounds are ANDed, payload keys are an OR of value
// equality, and the non-empty groups are combined with AND.
type Store interface {
	// Insert persists a message. Inserting an id twice fails with
	// ErrAlreadyExists.
	Insert(ctx context.Context, msg *message.Message) error

	// EnsurePayloadIndex creates or confirms a secondary index over the
	// dotted payload key. It is idempotent.
	EnsurePayloadIndex(ctx context.Context, key string) error

	// Find returns a page of matching messages.
	Find(ctx context.Context, q *query.Query, page Page) ([]*message.Message, error)

	// Each streams a page of matching messages to fn. An error returned by
	// fn stops the iteration and is returned.
	Each(ctx context.Context, q *query.Query, page Page, fn func(*message.Message) error) error

	// Count returns the number of matching messages.
	Count(ctx context.Context, q *query.Query) (int64, error)

	// Remove deletes the matching messages and returns how many were removed.
	Remove(ctx context.Context, q *query.Query) (int64, error)

	// Drop discards the whole journal.
	Drop(ctx context.Context) error

	// Close releases the backend resources.
	Close() error
}

// Page selects a window of query results.
type Page struct {
	Limit  int
	Offset int
}

// Normalize validates the page and applies DefaultLimit.
func (p Page) Normalize() (Page, error) {
	if p.Limit < 0 || p.Offset < 0 {
		return p, fmt.Errorf("%w: limit %d, offset %d", ErrInvalidPage, p.Limit, p.Offset)
	}
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	return p, nil
}

// Find collects the results of Store.Each into a slice. Backends without a
// cheaper native listing use it to implement Find.
func Find(ctx context.Context, s Store, q *query.Query, page Page) ([]*message.Message, error) {
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

// Location is a parsed backend URI.
type Location struct {
	URL *url.URL
	// Drop requests the journal to be discarded when the backend opens.
	Drop bool
}

// ParseURI parses a backend URI and extracts the common "drop" parameter,
// which is removed from the returned URL.
func ParseURI(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	loc := Location{URL: u}
	params := u.Query()
	if v := params.Get("drop"); v != "" {
		drop, err := strconv.ParseBool(v)
		if err != nil {
			return Location{}, fmt.Errorf("%w: drop=%q", ErrInvalidURI, v)
		}
		loc.Drop = drop
		params.Del("drop")
		u.RawQuery = params.Encode()
	}
	return loc, nil
}
