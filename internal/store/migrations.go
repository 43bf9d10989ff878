package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQLite: `
CREATE TABLE IF NOT EXISTS locations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL UNIQUE,
    latitude REAL,
    longitude REAL
);

CREATE TABLE IF NOT EXISTS points (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location_id INTEGER NOT NULL REFERENCES locations(id),
    name TEXT NOT NULL,
    UNIQUE(location_id, name)
);

CREATE TABLE IF NOT EXISTS pollutants (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    description TEXT
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    point_id INTEGER NOT NULL REFERENCES points(id),
    pollutant_id INTEGER NOT NULL REFERENCES pollutants(id),
    day TEXT NOT NULL,
    value REAL NOT NULL,
    UNIQUE(point_id, pollutant_id, day)
);

CREATE INDEX IF NOT EXISTS idx_observations_day ON observations(day);
CREATE INDEX IF NOT EXISTS idx_observations_pollutant_day ON observations(pollutant_id, day);
`,
		Postgres: `
CREATE TABLE IF NOT EXISTS locations (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL UNIQUE,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS points (
    id BIGSERIAL PRIMARY KEY,
    location_id BIGINT NOT NULL REFERENCES locations(id),
    name TEXT NOT NULL,
    UNIQUE(location_id, name)
);

CREATE TABLE IF NOT EXISTS pollutants (
    id BIGSERIAL PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    description TEXT
);

CREATE TABLE IF NOT EXISTS observations (
    id BIGSERIAL PRIMARY KEY,
    point_id BIGINT NOT NULL REFERENCES points(id),
    pollutant_id BIGINT NOT NULL REFERENCES pollutants(id),
    day TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    UNIQUE(point_id, pollutant_id, day)
);

CREATE INDEX IF NOT EXISTS idx_observations_day ON observations(day);
CREATE INDEX IF NOT EXISTS idx_observations_pollutant_day ON observations(pollutant_id, day);
`,
	},
	{
		Version:     2,
		Description: "Add ingest_runs and ingested_files for upload auditing",
		SQLite: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    encoding TEXT,
    delimiter TEXT,
    period_year INTEGER,
    period_month INTEGER,
    rows_processed INTEGER,
    inserted INTEGER,
    updated INTEGER,
    skipped INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS ingested_files (
    sha256 TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    run_id TEXT,
    ingested_at DATETIME NOT NULL
);
`,
		Postgres: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    encoding TEXT,
    delimiter TEXT,
    period_year INTEGER,
    period_month INTEGER,
    rows_processed INTEGER,
    inserted INTEGER,
    updated INTEGER,
    skipped INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS ingested_files (
    sha256 TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    run_id TEXT,
    ingested_at TIMESTAMPTZ NOT NULL
);
`,
	},
}

func (m migration) sql(driver string) string {
	if driver == DriverPostgres {
		return m.Postgres
	}
	return m.SQLite
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.sql(s.driver)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		query, args, err := s.sb.Insert("schema_migrations").
			Columns("version", "description", "applied_at").
			Values(m.Version, m.Description, time.Now().UTC()).
			ToSql()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("build migration record %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
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

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	appliedType := "DATETIME"
	if s.driver == DriverPostgres {
		appliedType = "TIMESTAMPTZ"
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at `+appliedType+`
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
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

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
