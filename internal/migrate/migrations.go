// Package migrate applies the embedded schema to a workspace database.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var files embed.FS

// Step is one embedded schema file, named <version>_<name>.sql.
type Step struct {
	Version int
	Name    string
	sql     string
}

// Record is a step already applied to a database.
type Record struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"appliedAt"`
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

// Steps lists the embedded steps in version order.
func Steps() ([]Step, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(entries))
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".sql"), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: file name must be <version>_<name>.sql", entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", entry.Name(), version, prev)
		}
		seen[version] = entry.Name()
		body, err := files.ReadFile(path.Join("sql", entry.Name()))
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: version, Name: name, sql: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Migrate applies pending steps with a background context.
func Migrate(db *sql.DB) error {
	return MigrateContext(context.Background(), db)
}

// MigrateContext applies every step newer than the database's highest
// recorded version, all inside one transaction.
func MigrateContext(ctx context.Context, db *sql.DB) error {
	steps, err := Steps()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, step.sql); err != nil {
			return fmt.Errorf("migration %d_%s: %w", step.Version, step.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES (?,?,?)`, step.Version, step.Name, now); err != nil {
			return fmt.Errorf("record migration %d: %w", step.Version, err)
		}
	}
	return tx.Commit()
}

// Applied lists the recorded steps, oldest first. A database that was never
// migrated has none.
func Applied(ctx context.Context, db *sql.DB) ([]Record, error) {
	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
