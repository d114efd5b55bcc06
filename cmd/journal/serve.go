// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/broker/middleware"
	"github.com/absmach/journal/broker/webhook"
	"github.com/absmach/journal/config"
	"github.com/absmach/journal/forward/kafka"
	"github.com/absmach/journal/forward/nats"
	"github.com/absmach/journal/internal/otel"
	"github.com/absmach/journal/message"
	"github.com/absmach/journal/ratelimit"
	"github.com/absmach/journal/server/health"
	"github.com/absmach/journal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	oteltrace "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const maxLineSize = 1 << 20

type serveOptions struct {
	input         string
	exitOnEOF     bool
	source        string
	statsInterval time.Duration
}

func newServeCommand(a *app) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the journal broker",
		Long: `Run the journal broker until interrupted.

With --input, newline-delimited JSON messages are read from the file ("-" for
stdin) and published. Each line holds {"topic": ..., "payload": {...}} and
optionally "id" and "timestamp".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), cmd.InOrStdin(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.input, "input", "i", "", `Read messages from file, "-" for stdin`)
	flags.BoolVar(&opts.exitOnEOF, "exit-on-eof", false, "Stop once the input is exhausted")
	flags.StringVar(&opts.source, "source", "journal", "Source name attached to forwarded events")
	flags.DurationVar(&opts.statsInterval, "stats-interval", 0, "Log broker statistics periodically (0 disables)")
	return cmd
}

func (a *app) serve(parent context.Context, stdin io.Reader, opts serveOptions) error {
	cfg := a.cfg
	logger := a.logger

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	store, err := openStore(ctx, cfg.Journal.Storage, logger)
	if err != nil {
		return err
	}
	if store != nil {
		for _, key := range cfg.Journal.PayloadIndexes {
			if err := store.EnsurePayloadIndex(ctx, key); err != nil {
				store.Close()
				return fmt.Errorf("failed to index payload key %q: %w", key, err)
			}
		}
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var bopts []broker.Option
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, opts.source)
		if err != nil {
			closeStore(store, logger)
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		logger.Info("OpenTelemetry initialized", slog.String("endpoint", cfg.Telemetry.Endpoint))

		if cfg.Telemetry.MetricsEnabled {
			metrics, err = otel.NewMetrics()
			if err != nil {
				closeStore(store, logger)
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			bopts = append(bopts, broker.WithMetrics(metrics))
		}
		if cfg.Telemetry.TracesEnabled {
			bopts = append(bopts, broker.WithTracer(oteltrace.Tracer("journal")))
		}
	}

	fwd, err := newForwarders(cfg, opts.source, metrics, logger)
	if err != nil {
		closeStore(store, logger)
		return err
	}
	if h := fwd.handler(); h != nil {
		bopts = append(bopts, broker.WithConsumer(h))
	}
	bopts = append(bopts, broker.WithQueueLimit(cfg.Journal.Queue.Limit, cfg.Journal.Queue.Policy))

	b := broker.New(store, logger, bopts...)
	var pub broker.Publisher = broker.NewTargetFilter(b, cfg.Journal.Producer.Whitelist, cfg.Journal.Producer.Blacklist)
	if pc := cfg.Journal.Producer; pc.Rate > 0 {
		limiter := ratelimit.NewLimiter(pc.Rate, pc.Burst, time.Minute)
		defer limiter.Stop()
		pub = ratelimit.NewPublisher(pub, limiter)
	}

	logger.Info("journal started",
		slog.Bool("persistent", b.Persists()),
		slog.Int("forwarders", len(fwd.handlers)))

	if opts.input != "" {
		in, closeIn, err := openInput(opts.input, stdin)
		if err != nil {
			cancel(err)
		} else {
			// Reads may block past shutdown on stdin, so ingest is not waited on.
			go func() {
				defer closeIn()
				n, err := ingest(ctx, in, pub, logger)
				logger.Info("input exhausted", slog.Int("published", n))
				switch {
				case err != nil:
					cancel(err)
				case opts.exitOnEOF:
					cancel(nil)
				}
			}()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Health.Enabled {
		hs := health.New(health.Config{
			Address:            cfg.Health.Address,
			ShutdownTimeout:    cfg.Health.ShutdownTimeout,
			RequirePersistence: cfg.Journal.Storage.Required,
		}, b, logger)
		g.Go(func() error {
			if err := hs.Listen(gctx); err != nil {
				cancel(fmt.Errorf("health server: %w", err))
				return err
			}
			return nil
		})
	}
	if opts.statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStats(logger, b)
				}
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down journal")
	if err := g.Wait(); err != nil {
		logger.Error("background task failed", slog.String("error", err.Error()))
	}

	b.Shutdown()
	err = fwd.Close()
	if store != nil {
		err = multierr.Append(err, store.Close())
	}
	if otelShutdown != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if serr := otelShutdown(sctx); serr != nil {
			logger.Error("failed to shutdown OpenTelemetry", slog.String("error", serr.Error()))
		}
	}
	if err != nil {
		logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func closeStore(store storage.Store, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
}

// forwarders holds the downstream consumers fed by the broker.
type forwarders struct {
	handlers []broker.Handler
	closers  []io.Closer
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func newForwarders(cfg *config.Config, source string, metrics *otel.Metrics, logger *slog.Logger) (*forwarders, error) {
	f := &forwarders{metrics: metrics, logger: logger}

	if cfg.Webhook.Enabled && len(cfg.Webhook.Endpoints) > 0 {
		n, err := webhook.NewNotifier(cfg.Webhook, source, webhook.NewHTTPSender(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		f.add("webhook", n.Handle, n)
		logger.Info("webhook forwarding enabled",
			slog.Int("endpoints", len(cfg.Webhook.Endpoints)),
			slog.Int("workers", cfg.Webhook.Workers))
	}

	if cfg.Kafka.Enabled {
		k, err := kafka.New(cfg.Kafka, source, cfg.Kafka.IncludePayload, logger)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create kafka forwarder: %w", err), f.Close())
		}
		f.add("kafka", k.Handle, k)
		logger.Info("kafka forwarding enabled", slog.String("topic", cfg.Kafka.Topic))
	}

	if cfg.NATS.Enabled {
		n, err := nats.Connect(cfg.NATS, source, cfg.NATS.IncludePayload, logger)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to connect to nats: %w", err), f.Close())
		}
		f.add("nats", n.Handle, n)
		logger.Info("nats forwarding enabled", slog.String("url", cfg.NATS.URL))
	}

	return f, nil
}

func (f *forwarders) add(name string, h broker.Handler, c io.Closer) {
	h = middleware.NewMetrics(name, middleware.NewLogging(name, h, f.logger), f.metrics)
	f.handlers = append(f.handlers, h)
	f.closers = append(f.closers, c)
}

func (f *forwarders) handler() broker.Handler {
	if len(f.handlers) == 0 {
		return nil
	}
	return broker.Consumers(f.handlers...)
}

func (f *forwarders) Close() error {
	var err error
	for _, c := range f.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return file, func() { file.Close() }, nil
}

// ingest publishes every newline-delimited JSON record read from r.
// Malformed lines are logged and skipped. It returns the number of
// published messages.
func ingest(ctx context.Context, r io.Reader, pub broker.Publisher, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	published := 0
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return published, nil
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		msg, err := decodeLine(raw)
		if err != nil {
			logger.Warn("skipping malformed input line",
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}

		switch err := pub.PublishMessage(msg); {
		case err == nil:
			published++
		case errors.Is(err, broker.ErrClosed):
			return published, nil
		case errors.Is(err, broker.ErrFiltered), errors.Is(err, ratelimit.ErrRateLimited):
			logger.Debug("message rejected",
				slog.String("topic", msg.Topic()),
				slog.String("reason", err.Error()))
		default:
			logger.Warn("failed to publish input line",
				slog.Int("line", line),
				slog.String("error", err.Error()))
		}
	}
	if err := scanner.Err(); err != nil {
		return published, fmt.Errorf("failed to read input: %w", err)
	}
	return published, nil
}

func decodeLine(raw []byte) (*message.Message, error) {
	var rec message.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Topic == "" {
		return nil, errors.New("missing topic")
	}
	if rec.Payload == nil {
		return nil, message.ErrInvalidPayload
	}
	return message.New(rec.Topic, rec.Payload, message.WithID(rec.ID), message.WithTimestamp(rec.Timestamp))
}

func logStats(logger *slog.Logger, b *broker.Broker) {
	s := b.Stats().Snapshot()
	logger.Info("journal stats",
		slog.Uint64("published", s.Published),
		slog.Uint64("persisted", s.Persisted),
		slog.Uint64("dropped", s.Dropped),
		slog.Uint64("failures", s.Failures()),
		slog.Int("pending", b.Pending()),
		slog.Duration("uptime", s.Uptime))
}
