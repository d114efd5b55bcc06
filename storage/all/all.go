// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package all registers every built-in storage backend.
package all

import (
	"github.com/absmach/journal/storage"
	"github.com/absmach/journal/storage/badger"
	"github.com/absmach/journal/storage/memory"
	"github.com/absmach/journal/storage/mongo"
	"github.com/absmach/journal/storage/postgres"
	"github.com/absmach/journal/storage/sqlite"
)

// Backend names.
const (
	Memory   = "memory"
	Badger   = "badger"
	SQLite   = "sqlite"
	Postgres = "postgres"
	Mongo    = "mongo"
)

// Register installs the built-in backends into reg.
func Register(reg *storage.Registry) {
	reg.Register(Memory, memory.Open)
	reg.Register(Badger, badger.Open)
	reg.Register(SQLite, sqlite.Open)
	reg.Register(Postgres, postgres.Open)
	reg.Register(Mongo, mongo.Open)
}

// NewRegistry returns a registry with every built-in backend.
func NewRegistry() *storage.Registry {
	reg := storage.NewRegistry()
	Register(reg)
	return reg
}
