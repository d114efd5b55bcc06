// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/journal/broker/events"
	"github.com/absmach/journal/config"
	"github.com/absmach/journal/message"
	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 5 * time.Second
	flushTimeout   = time.Second
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("nats forwarder is closed")

// Conn is the subset of *nats.Conn the forwarder uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Forwarder publishes journal messages on NATS subjects built from the
// subject prefix and the journal topic. Journal topics are dot-separated
// like NATS subjects, so subscribers can use NATS wildcards directly.
type Forwarder struct {
	conn           Conn
	prefix         string
	source         string
	includePayload bool
	logger         *slog.Logger
	closed         atomic.Bool
}

// Connect dials the NATS server and creates a forwarder. Publishing is
// buffered by the client, so Handle does not wait for the server.
func Connect(cfg config.NATSConfig, source string, includePayload bool, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name(source),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("nats forwarder started",
		slog.String("url", cfg.URL),
		slog.String("subject_prefix", cfg.SubjectPrefix))

	return NewWithConn(conn, cfg.SubjectPrefix, source, includePayload, logger), nil
}

// NewWithConn creates a forwarder on top of an existing connection.
func NewWithConn(conn Conn, prefix, source string, includePayload bool, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		conn:           conn,
		prefix:         prefix,
		source:         source,
		includePayload: includePayload,
		logger:         logger,
	}
}

// Subject returns the NATS subject a journal topic is published on.
func (f *Forwarder) Subject(topic string) string {
	if f.prefix == "" {
		return topic
	}
	return f.prefix + "." + topic
}

// Handle encodes msg as a journal event envelope and publishes it.
func (f *Forwarder) Handle(msg *message.Message) error {
	if f.closed.Load() {
		return ErrClosed
	}

	env := events.FromMessage(msg, f.includePayload).Wrap(f.source)
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	nm := nats.NewMsg(f.Subject(msg.Topic()))
	nm.Data = data
	nm.Header.Set("Nats-Msg-Id", msg.ID())
	nm.Header.Set("Event-Type", env.EventType)

	if err := f.conn.PublishMsg(nm); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", nm.Subject, err)
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (f *Forwarder) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.logger.Info("shutting down nats forwarder")

	err := f.conn.FlushTimeout(flushTimeout)
	f.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}
