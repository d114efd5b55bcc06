// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/journal/broker/events"
	"github.com/absmach/journal/config"
	"github.com/absmach/journal/message"
	"github.com/segmentio/kafka-go"
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("kafka forwarder is closed")

// Writer is the subset of *kafka.Writer the forwarder uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder writes journal messages to a Kafka topic. Records are keyed by
// journal topic so that messages of one topic keep their order.
type Forwarder struct {
	writer         Writer
	source         string
	includePayload bool
	logger         *slog.Logger
	closed         atomic.Bool
}

// New creates a forwarder with an asynchronous kafka.Writer, so Handle
// never waits for the brokers.
func New(cfg config.KafkaConfig, source string, includePayload bool, logger *slog.Logger) (*Forwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka delivery failed",
					slog.String("topic", cfg.Topic),
					slog.Int("messages", len(msgs)),
					slog.String("error", err.Error()))
			}
		},
	}

	logger.Info("kafka forwarder started",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))

	return NewWithWriter(writer, source, includePayload, logger), nil
}

// NewWithWriter creates a forwarder on top of an existing writer.
func NewWithWriter(w Writer, source string, includePayload bool, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		writer:         w,
		source:         source,
		includePayload: includePayload,
		logger:         logger,
	}
}

// Handle encodes msg as a journal event envelope and hands it to the writer.
func (f *Forwarder) Handle(msg *message.Message) error {
	if f.closed.Load() {
		return ErrClosed
	}

	env := events.FromMessage(msg, f.includePayload).Wrap(f.source)
	value, err := env.Encode()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	km := kafka.Message{
		Key:   []byte(msg.Topic()),
		Value: value,
		Time:  msg.Timestamp(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "message_id", Value: []byte(msg.ID())},
		},
	}

	if err := f.writer.WriteMessages(context.Background(), km); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Close flushes pending records and closes the writer.
func (f *Forwarder) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.logger.Info("shutting down kafka forwarder")
	return f.writer.Close()
}
