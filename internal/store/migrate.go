package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// applier is the seam between migration ordering logic and the database.
type applier interface {
	ensureVersionTable(ctx context.Context) error
	isApplied(ctx context.Context, version string) (bool, error)
	apply(ctx context.Context, version, script string) error
}

// Migrate applies the embedded numbered migrations in lexicographic order,
// recording each in schema_migrations exactly once. Re-running is a no-op
// for versions already recorded.
func (s *Postgres) Migrate(ctx context.Context) (int, error) {
	return runMigrations(ctx, &pgApplier{pool: s.pool}, migrationFiles)
}

func runMigrations(ctx context.Context, a applier, files fs.FS) (int, error) {
	if err := a.ensureVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(files, "migrations")
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		done, err := a.isApplied(ctx, version)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if done {
			continue
		}
		script, err := fs.ReadFile(files, "migrations/"+name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := a.apply(ctx, version, string(script)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", version, err)
		}
		log.Printf("[store] applied migration %s", version)
		applied++
	}
	return applied, nil
}

type pgApplier struct {
	pool *pgxpool.Pool
}

func (a *pgApplier) ensureVersionTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (a *pgApplier) isApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := a.pool.QueryRow(ctx,
		`SELECT count(*) FROM schema_migrations WHERE version = $1`, version).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// apply runs the script and records the version in one transaction, so a
// half-applied migration is rolled back rather than recorded.
func (a *pgApplier) apply(ctx context.Context, version, script string) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, script); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
