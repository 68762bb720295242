package migrations

import (
	_ "embed"

	"github.com/goran-ethernal/demux/internal/db"
)

//go:embed 001_initial.sql
var mig0001 string

// Migrations returns the store schema migrations, for callers that combine
// them with their own derived-state tables.
func Migrations() []db.Migration {
	return []db.Migration{
		{
			ID:  "001_initial.sql",
			SQL: mig0001,
		},
	}
}

// RunMigrations runs all migrations for the store database.
func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, Migrations())
}
