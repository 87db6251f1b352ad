package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS datasets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    source TEXT,
    rows_loaded INTEGER NOT NULL,
    rows_kept INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration_records (
    dataset_id INTEGER NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    row INTEGER NOT NULL,
    year TEXT,
    water_depth_inch REAL NOT NULL,
    water_depth_cm REAL NOT NULL,
    resistivity_ohm REAL NOT NULL,
    etape_id TEXT,
    etape_length INTEGER NOT NULL,
    notes TEXT,
    PRIMARY KEY (dataset_id, row)
);

CREATE INDEX IF NOT EXISTS idx_records_length ON calibration_records(dataset_id, etape_length);
`,
	},
	{
		Version:     2,
		Description: "Archive raw input tables",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL
);

ALTER TABLE datasets ADD COLUMN raw_payload_id INTEGER REFERENCES raw_payloads(id);
`,
	},
	{
		Version:     3,
		Description: "Track model fits and posterior summaries",
		SQL: `
CREATE TABLE IF NOT EXISTS fit_runs (
    id TEXT PRIMARY KEY,
    dataset_id INTEGER REFERENCES datasets(id),
    model TEXT NOT NULL,
    program TEXT NOT NULL,
    chains INTEGER NOT NULL,
    warmup INTEGER NOT NULL,
    samples INTEGER NOT NULL,
    seed INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    max_rhat REAL,
    divergent INTEGER
);

CREATE TABLE IF NOT EXISTS posterior_summaries (
    fit_run_id TEXT NOT NULL REFERENCES fit_runs(id) ON DELETE CASCADE,
    param TEXT NOT NULL,
    grp INTEGER NOT NULL,
    label TEXT,
    mean REAL,
    sd REAL,
    q025 REAL,
    q975 REAL,
    draws INTEGER NOT NULL,
    PRIMARY KEY (fit_run_id, param, grp)
);

CREATE INDEX IF NOT EXISTS idx_fit_runs_started ON fit_runs(started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
