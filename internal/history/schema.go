package history

import (
	"fmt"
	"time"
)

// currentSchemaVersion tracks the database layout. Bump it and add a
// migration step when the schema changes.
const currentSchemaVersion = 1

func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial schema. Timestamps are stored as unix
// milliseconds so ordering needs no parsing.
func (s *Store) migrateToV1() error {
	const recentFilesTable = `
		CREATE TABLE IF NOT EXISTS recent_files (
			path TEXT PRIMARY KEY,
			last_opened INTEGER NOT NULL,
			open_count INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_recent_files_last_opened
			ON recent_files(last_opened DESC);
	`
	if _, err := s.db.Exec(recentFilesTable); err != nil {
		return fmt.Errorf("create recent_files table: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		1,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
