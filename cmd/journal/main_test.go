// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/config"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--backend", "sqlite", "--uri", "sqlite://" + filepath.Join(t.TempDir(), "journal.db"), "--log-level", "error"}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestParsePayloadFlags(t *testing.T) {
	kv, err := parsePayloadFlags([]string{"a=1", "b=true", "c=hello", `d={"x":2}`, "e.f=\"quoted\""})
	require.NoError(t, err)

	assert.Equal(t, float64(1), kv["a"])
	assert.Equal(t, true, kv["b"])
	assert.Equal(t, "hello", kv["c"])
	assert.Equal(t, map[string]any{"x": float64(2)}, kv["d"])
	assert.Equal(t, "quoted", kv["e.f"])

	_, err = parsePayloadFlags([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePayloadFlags([]string{"=1"})
	assert.Error(t, err)
}

func TestQueryFlagsBuild(t *testing.T) {
	qf := queryFlags{
		descriptor: `{"topic":"log.*","payload":{"level":"error"}}`,
		ids:        []string{"abc"},
		from:       "2021-01-01T00:00:00Z",
		payload:    []string{"code=500"},
	}
	q, err := qf.build()
	require.NoError(t, err)

	assert.Equal(t, []string{"abc"}, q.IDs)
	assert.Equal(t, []string{"log.*"}, q.Topics)
	require.NotNil(t, q.Timestamp.From)
	assert.Nil(t, q.Timestamp.To)
	assert.Equal(t, "error", q.Payload["level"])
	assert.Equal(t, float64(500), q.Payload["code"])

	_, err = (&queryFlags{from: "yesterday"}).build()
	assert.Error(t, err)
	_, err = (&queryFlags{descriptor: "{"}).build()
	assert.Error(t, err)

	q, err = (&queryFlags{}).build()
	require.NoError(t, err)
	assert.True(t, q.IsEmpty())
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := openStore(ctx, config.StorageConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg := config.StorageConfig{Backend: "unknown", URI: "unknown://x", Timeout: time.Second}
	store, err = openStore(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.Required = true
	_, err = openStore(ctx, cfg, logger)
	assert.Error(t, err)

	store, err = openStore(ctx, config.StorageConfig{Backend: "memory"}, logger)
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.NoError(t, store.Close())
}

func TestPublishFindCount(t *testing.T) {
	base := sqliteArgs(t)

	out, err := run(t, append([]string{"publish", "log.core", `{"foo":{"bar":"baz"}}`}, base...)...)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.NotEmpty(t, id)

	_, err = run(t, append([]string{"publish", "log.irc.raw", `{"action":"privmsg"}`}, base...)...)
	require.NoError(t, err)

	out, err = run(t, append([]string{"count", "--topic", "log.*"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))

	out, err = run(t, append([]string{"count"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))

	out, err = run(t, append([]string{"find", "--payload", "foo.bar=baz"}, base...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	var msg message.Message
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &msg))
	assert.Equal(t, id, msg.ID())
	assert.Equal(t, "log.core", msg.Topic())

	_, err = run(t, append([]string{"index", "action"}, base...)...)
	require.NoError(t, err)

	_, err = run(t, append([]string{"remove"}, base...)...)
	assert.Error(t, err)

	out, err = run(t, append([]string{"remove", "--id", id}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))

	_, err = run(t, append([]string{"drop"}, base...)...)
	assert.Error(t, err)
	_, err = run(t, append([]string{"drop", "--force"}, base...)...)
	require.NoError(t, err)

	out, err = run(t, append([]string{"count"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))
}

func TestPublishErrors(t *testing.T) {
	base := sqliteArgs(t)

	_, err := run(t, append([]string{"publish", "log.core", `[1,2]`}, base...)...)
	assert.ErrorIs(t, err, message.ErrInvalidPayload)

	_, err = run(t, append([]string{"publish", "log.*", `{}`}, base...)...)
	assert.Error(t, err)

	_, err = run(t, "count", "--backend", "nope", "--uri", "x")
	assert.Error(t, err)
}

func TestServeInput(t *testing.T) {
	base := sqliteArgs(t)
	input := filepath.Join(t.TempDir(), "input.ndjson")
	lines := []string{
		`{"topic":"log.core","payload":{"level":"info"}}`,
		`not json`,
		`{"topic":"log.irc.raw","payload":{"target":"spam"},"id":"fixed"}`,
		`{"payload":{}}`,
		``,
		`{"topic":"stats","payload":{"n":1},"timestamp":"2021-06-01T12:00:00Z"}`,
	}
	require.NoError(t, os.WriteFile(input, []byte(strings.Join(lines, "\n")), 0o600))

	_, err := run(t, append([]string{"serve", "--input", input, "--exit-on-eof"}, base...)...)
	require.NoError(t, err)

	out, err := run(t, append([]string{"count"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	out, err = run(t, append([]string{"find", "--id", "fixed"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `"topic":"log.irc.raw"`)

	out, err = run(t, append([]string{"count", "--from", "2021-01-01T00:00:00Z", "--to", "2022-01-01T00:00:00Z"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))
}

func TestIngest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := memory.Open(context.Background(), "memory://", logger)
	require.NoError(t, err)
	b := broker.New(store, logger)
	pub := broker.NewTargetFilter(b, nil, []string{"spam"})

	in := strings.NewReader(strings.Join([]string{
		`{"topic":"a","payload":{"target":"spam"}}`,
		`{"topic":"b","payload":{"target":"ok"}}`,
		`{"topic":"c","payload":{}}`,
	}, "\n"))

	n, err := ingest(context.Background(), in, pub, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b.Shutdown()
	count, err := store.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	n, err = ingest(context.Background(), strings.NewReader(`{"topic":"d","payload":{}}`), pub, logger)
	require.NoError(t, err)
	assert.Zero(t, n)
}
