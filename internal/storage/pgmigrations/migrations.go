// Package pgmigrations holds the PostgreSQL schema migrations applied by the
// postgres storage driver through bun/migrate.
package pgmigrations

import "github.com/uptrace/bun/migrate"

// Migrations holds all database migrations.
var Migrations = migrate.NewMigrations()
