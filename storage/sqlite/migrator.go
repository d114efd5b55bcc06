// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrate applies every script whose version is above PRAGMA user_version.
// Scripts are named like "0002_migration_name.sql".
func migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	source, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	list, err := fs.ReadDir(source, ".")
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	for _, f := range list {
		name := f.Name()
		v, err := scriptVersion(name)
		if err != nil {
			return err
		}

		// Re-read on each step so an out-of-order script never runs twice.
		current, err := userVersion(ctx, db)
		if err != nil {
			return err
		}
		if v <= current {
			continue
		}

		script, err := fs.ReadFile(source, name)
		if err != nil {
			return err
		}
		logger.Debug("executing migration", slog.String("migration", name))
		if err := execTrans(ctx, db, string(script)+fmt.Sprintf("\nPRAGMA user_version = %d;", v)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func scriptVersion(filename string) (int, error) {
	return strconv.Atoi(strings.Split(filename, "_")[0])
}

func userVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var v int
	if err := db.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, err
	}
	return v, nil
}

func execTrans(ctx context.Context, db *sqlx.DB, stmt string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
