package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the catalog schema written by Migrate.
const SchemaVersion = 1

// Migrate creates (or upgrades) the catalog schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS grids (
			variable TEXT NOT NULL,
			unit TEXT NOT NULL,
			resolution TEXT NOT NULL,
			date TEXT NOT NULL,
			path TEXT NOT NULL,
			crs TEXT NOT NULL,
			cell_size REAL NOT NULL,
			-- nodata is NULL when the raster declares none.
			nodata REAL,
			bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(variable, unit, resolution, date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_grids_date ON grids(date);`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

		`CREATE TABLE IF NOT EXISTS run_dates (
			run_id TEXT NOT NULL,
			date TEXT NOT NULL,
			state TEXT NOT NULL,
			kind TEXT,
			reason TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(run_id, date),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,

		`CREATE TABLE IF NOT EXISTS records_written (
			variable TEXT NOT NULL,
			unit TEXT NOT NULL,
			resolution TEXT NOT NULL,
			date TEXT NOT NULL,
			output TEXT NOT NULL,
			written_at TEXT NOT NULL,
			PRIMARY KEY(variable, unit, resolution, date, output)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("catalog schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
