package warehouse

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrateLockKey = 7243002

// Migrate runs all pending SQL migrations in lexicographic order.
func (w *PostgresWarehouse) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, w.pool)
}

func migratePostgres(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "warehouse.migrate"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "warehouse: begin migration tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped advisory lock keeps concurrent deploys from
	// applying migrations at the same time; it releases with the tx.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockKey); err != nil {
		return eris.Wrap(err, "warehouse: acquire migration lock")
	}

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS catalog"); err != nil {
		return eris.Wrap(err, "warehouse: create schema")
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS catalog.schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return eris.Wrap(err, "warehouse: create migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "warehouse: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := make(map[string]bool)
	rows, err := tx.Query(ctx, "SELECT filename FROM catalog.schema_migrations")
	if err != nil {
		return eris.Wrap(err, "warehouse: list applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "warehouse: scan migration name")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "warehouse: iterate applied migrations")
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "warehouse: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO catalog.schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "warehouse: record migration %s", name)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "warehouse: commit migrations")
	}
	return nil
}
