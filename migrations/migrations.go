// Package migrations embeds the tracker's SQL schema and applies it.
//
// Applied versions are recorded in a schema_migrations table using the same
// layout as golang-migrate (bigint version + dirty flag), so either tool can
// be pointed at the same database.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Migration is one embedded up-migration.
type Migration struct {
	Version int64
	Name    string
}

// List returns the embedded up-migrations in version order.
func List() ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		v, err := VersionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: v, Name: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// VersionFromFile extracts the leading integer from a migration filename.
// "001_init.up.sql" → 1
func VersionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// Apply runs every embedded up-migration not yet recorded as clean and returns
// how many were applied.
func Apply(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (int, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	list, err := List()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range list {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			m.Version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.Name, err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("file", m.Name))
			continue
		}

		sql, err := files.ReadFile(m.Name)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", m.Name, err)
		}

		// Mark dirty before applying so a crash is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", m.Name, err)
		}

		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", m.Name, err)
		}

		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", m.Name, err)
		}

		logger.Info("migration applied", zap.String("file", m.Name))
		applied++
	}
	return applied, nil
}

// Rollback runs the down-migration of every applied version, newest first,
// and removes their schema_migrations rows. It returns how many were rolled
// back.
func Rollback(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (int, error) {
	list, err := List()
	if err != nil {
		return 0, err
	}

	rolled := 0
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&exists); err != nil {
			return rolled, fmt.Errorf("check %s: %w", m.Name, err)
		}
		if !exists {
			continue
		}

		down := strings.TrimSuffix(m.Name, ".up.sql") + ".down.sql"
		sql, err := files.ReadFile(down)
		if err != nil {
			return rolled, fmt.Errorf("read %s: %w", down, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return rolled, fmt.Errorf("apply %s: %w", down, err)
		}
		if _, err := db.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
			return rolled, fmt.Errorf("unrecord %s: %w", m.Name, err)
		}

		logger.Info("migration rolled back", zap.String("file", down))
		rolled++
	}
	return rolled, nil
}
