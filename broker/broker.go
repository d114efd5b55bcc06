// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/journal/internal/otel"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/query"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/topics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Common errors.
var (
	ErrNoHandler = errors.New("subscription requires a handler")
	ErrNoStorage = errors.New("journal has no storage")
	ErrClosed    = errors.New("journal is shut down")
)

// Pipeline stages reported in logs and failure metrics.
const (
	stageConsumer   = "consumer"
	stageSubscriber = "subscriber"
	stageStorage    = "storage"
)

// DefaultInsertTimeout bounds a single storage insert on the consumer goroutine.
const DefaultInsertTimeout = 30 * time.Second

// Handler receives messages from the consumer goroutine. Handlers run
// synchronously and must return quickly.
type Handler func(msg *message.Message) error

// Option configures a Broker.
type Option func(*Broker)

// WithConsumer sets the global consumer hook that sees every message before
// subscribers and storage.
func WithConsumer(h Handler) Option {
	return func(b *Broker) {
		b.consumer = h
	}
}

// WithQueueLimit bounds the publish queue. A zero limit keeps it unbounded.
func WithQueueLimit(limit int, policy string) Option {
	return func(b *Broker) {
		b.queue = newQueue(limit, policy)
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithTracer enables spans around storage reads.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithStats shares a Stats collector with the caller.
func WithStats(s *Stats) Option {
	return func(b *Broker) {
		if s != nil {
			b.stats = s
		}
	}
}

// WithInsertTimeout overrides DefaultInsertTimeout.
func WithInsertTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.insertTimeout = d
		}
	}
}

// Broker is the journal: it accepts messages, hands them to the consumer
// hook and topic subscribers on a single goroutine, and persists them.
type Broker struct {
	store         storage.Store // nil runs without persistence
	consumer      Handler
	queue         *queue
	logger        *slog.Logger
	stats         *Stats
	metrics       *otel.Metrics // nil if metrics disabled
	tracer        trace.Tracer
	insertTimeout time.Duration

	mu      sync.RWMutex
	subs    map[string][]*Subscription
	nextID  uint64
	stopped bool // guarded by mu; set once the queue is drained

	closed   atomic.Bool // rejects Publish
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a broker and starts its consumer goroutine. The store may be
// nil, in which case messages are only dispatched in memory.
func New(store storage.Store, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		store:         store,
		logger:        logger,
		stats:         NewStats(),
		tracer:        tracenoop.NewTracerProvider().Tracer("journal"),
		insertTimeout: DefaultInsertTimeout,
		subs:          make(map[string][]*Subscription),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue == nil {
		b.queue = newQueue(0, PolicyBlock)
	}

	go b.run()

	return b
}

// Persists reports whether the broker has a storage backend.
func (b *Broker) Persists() bool {
	return b.store != nil
}

// Closed reports whether Shutdown has been called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Pending returns the number of queued messages not yet dispatched.
func (b *Broker) Pending() int {
	return b.queue.len()
}

// Publish creates a message and queues it for dispatch. Construction errors
// are returned synchronously; dispatch happens asynchronously.
func (b *Broker) Publish(topic string, payload any) (*message.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	msg, err := message.New(topic, payload)
	if err != nil {
		return nil, err
	}
	if err := b.PublishMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PublishMessage queues a prebuilt message, keeping its id and timestamp.
func (b *Broker) PublishMessage(msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", message.ErrInvalidPayload)
	}
	if err := topics.ValidateTopic(msg.Topic()); err != nil {
		return fmt.Errorf("topic %q: %w", msg.Topic(), err)
	}
	if b.closed.Load() {
		return ErrClosed
	}

	evicted, err := b.queue.push(msg)
	switch {
	case errors.Is(err, errQueueFull):
		b.drop(msg, false)
		return nil
	case err != nil:
		return err
	}

	b.stats.IncrementPublished()
	b.metrics.RecordPublished(msg.Topic())
	if evicted != nil {
		b.drop(evicted, true)
	}
	return nil
}

func (b *Broker) drop(msg *message.Message, queued bool) {
	b.stats.IncrementDropped()
	b.metrics.RecordDropped(b.queue.policy, queued)
	b.logger.Warn("journal queue full, message dropped",
		slog.String("policy", b.queue.policy),
		slog.String("topic", msg.Topic()),
		slog.String("id", msg.ID()))
}

// Shutdown stops accepting messages, drains the queue, waits for the
// consumer goroutine to exit and removes all subscriptions. Handlers may
// still subscribe while the queue drains. The store is left open for the
// caller to close.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		b.queue.close()
		<-b.done

		b.mu.Lock()
		b.stopped = true
		b.subs = make(map[string][]*Subscription)
		b.mu.Unlock()

		s := b.stats.Snapshot()
		b.logger.Info("journal stopped",
			slog.Uint64("published", s.Published),
			slog.Uint64("persisted", s.Persisted),
			slog.Uint64("dropped", s.Dropped),
			slog.Uint64("failures", s.Failures()))
	})
}

func (b *Broker) run() {
	defer close(b.done)

	for {
		msg, ok := b.queue.pop()
		if !ok {
			return
		}
		b.stats.IncrementDispatched()
		b.metrics.RecordDispatched()
		b.dispatch(msg)
	}
}

func (b *Broker) dispatch(msg *message.Message) {
	if b.consumer != nil {
		b.call(stageConsumer, b.consumer, msg)
	}

	for _, sub := range b.subscribers(msg.Topic()) {
		b.call(stageSubscriber, sub.handler, msg)
	}

	if b.store != nil {
		b.persist(msg)
	}
}

func (b *Broker) persist(msg *message.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.insertTimeout)
	defer cancel()

	start := time.Now()
	err := b.store.Insert(ctx, msg)
	b.metrics.RecordStorageDuration("insert", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		b.fail(stageStorage, msg, err)
		return
	}
	b.stats.IncrementPersisted()
	b.metrics.RecordPersisted()
}

// call runs h and isolates its errors and panics from the consumer loop.
func (b *Broker) call(stage string, h Handler, msg *message.Message) {
	if err := safeCall(h, msg); err != nil {
		b.fail(stage, msg, err)
	}
}

func (b *Broker) fail(stage string, msg *message.Message, err error) {
	switch stage {
	case stageConsumer:
		b.stats.IncrementConsumerErrors()
	case stageSubscriber:
		b.stats.IncrementSubscriberErrors()
	case stageStorage:
		b.stats.IncrementStorageErrors()
	}
	b.metrics.RecordFailure(stage)
	b.logger.Error("journal dispatch failed",
		slog.String("stage", stage),
		slog.String("topic", msg.Topic()),
		slog.String("id", msg.ID()),
		slog.String("error", err.Error()))
}

func safeCall(h Handler, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

// --- Historical reads ---

// Find returns the stored messages matching src. A nil source matches all.
func (b *Broker) Find(ctx context.Context, src query.Source, page storage.Page) ([]*message.Message, error) {
	q, err := b.resolve(src)
	if err != nil {
		return nil, err
	}

	ctx, span := b.startSpan(ctx, "find", q)
	defer span.End()

	start := time.Now()
	msgs, err := b.store.Find(ctx, q, page)
	b.observe(span, "find", start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("journal.results", len(msgs)))
	}
	return msgs, err
}

// Each streams the stored messages matching src to fn.
func (b *Broker) Each(ctx context.Context, src query.Source, page storage.Page, fn func(*message.Message) error) error {
	q, err := b.resolve(src)
	if err != nil {
		return err
	}

	ctx, span := b.startSpan(ctx, "each", q)
	defer span.End()

	start := time.Now()
	err = b.store.Each(ctx, q, page, fn)
	b.observe(span, "each", start, err)
	return err
}

// Count returns the number of stored messages matching src.
func (b *Broker) Count(ctx context.Context, src query.Source) (int64, error) {
	q, err := b.resolve(src)
	if err != nil {
		return 0, err
	}

	ctx, span := b.startSpan(ctx, "count", q)
	defer span.End()

	start := time.Now()
	n, err := b.store.Count(ctx, q)
	b.observe(span, "count", start, err)
	return n, err
}

// Remove deletes the stored messages matching src. A nil source removes all.
func (b *Broker) Remove(ctx context.Context, src query.Source) (int64, error) {
	q, err := b.resolve(src)
	if err != nil {
		return 0, err
	}

	ctx, span := b.startSpan(ctx, "remove", q)
	defer span.End()

	start := time.Now()
	n, err := b.store.Remove(ctx, q)
	b.observe(span, "remove", start, err)
	if err == nil {
		b.logger.Info("journal messages removed", slog.Int64("count", n))
	}
	return n, err
}

// EnsurePayloadIndex asks the store to index the dotted payload key.
func (b *Broker) EnsurePayloadIndex(ctx context.Context, key string) error {
	if b.store == nil {
		return ErrNoStorage
	}
	if key == "" {
		return fmt.Errorf("payload index key cannot be empty")
	}
	return b.store.EnsurePayloadIndex(ctx, key)
}

func (b *Broker) resolve(src query.Source) (*query.Query, error) {
	if b.store == nil {
		return nil, ErrNoStorage
	}
	q := query.Resolve(src)
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return q, nil
}

func (b *Broker) startSpan(ctx context.Context, op string, q *query.Query) (context.Context, trace.Span) {
	ctx, span := b.tracer.Start(ctx, "journal."+op)
	if q != nil {
		span.SetAttributes(
			attribute.StringSlice("journal.topics", q.Topics),
			attribute.Int("journal.ids", len(q.IDs)),
			attribute.Int("journal.payload_keys", len(q.Payload)),
		)
	}
	return ctx, span
}

func (b *Broker) observe(span trace.Span, op string, start time.Time, err error) {
	b.metrics.RecordStorageDuration(op, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
