// Package migrations embeds the schema migrations for both store backends.
package migrations

import "embed"

// SQLite holds the migrations applied by store.SQLite.Migrate.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds the migrations applied by store.MigratePostgres.
//
//go:embed postgres/*.sql
var Postgres embed.FS
