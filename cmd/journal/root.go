// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/config"
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/storage/all"
	"github.com/spf13/cobra"
)

// app carries the state shared by every subcommand.
type app struct {
	configFile string
	logLevel   string
	backend    string
	uri        string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "journal",
		Short:         "Persistent topic-addressed message journal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "Path to configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	flags.StringVar(&a.backend, "backend", "", "Override journal.storage.backend")
	flags.StringVar(&a.uri, "uri", "", "Override journal.storage.uri")

	cmd.AddCommand(
		newServeCommand(a),
		newPublishCommand(a),
		newFindCommand(a),
		newCountCommand(a),
		newRemoveCommand(a),
		newIndexCommand(a),
		newDropCommand(a),
	)
	return cmd
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.backend != "" {
		cfg.Journal.Storage.Backend = a.backend
	}
	if a.uri != "" {
		cfg.Journal.Storage.URI = a.uri
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = newLogger(cfg.Log, logOut)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// openStore opens the configured backend. When storage is not required a
// failing backend is logged and the journal runs without persistence.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Backend == "" {
		logger.Info("journal running without persistence")
		return nil, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := all.NewRegistry().Open(ctx, cfg.Backend, cfg.URI, logger)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		logger.Warn("storage unavailable, journal running without persistence",
			slog.String("backend", cfg.Backend),
			slog.String("error", err.Error()))
		return nil, nil
	}

	logger.Info("journal storage opened", slog.String("backend", cfg.Backend))
	return store, nil
}

// withBroker opens the store unconditionally, runs fn against a broker and
// releases both.
func (a *app) withBroker(ctx context.Context, fn func(b *broker.Broker) error) (err error) {
	scfg := a.cfg.Journal.Storage
	scfg.Required = true

	store, err := openStore(ctx, scfg, a.logger)
	if err != nil {
		return err
	}
	b := broker.New(store, a.logger)
	defer func() {
		b.Shutdown()
		if store != nil {
			if cerr := store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	return fn(b)
}
