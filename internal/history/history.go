// Package history persists the recently opened file list in a local
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultLimit caps the recent list when the configuration does not say
// otherwise.
const DefaultLimit = 20

// Entry is one remembered file.
type Entry struct {
	Path       string
	LastOpened time.Time
	OpenCount  int
}

// Store reads and writes the recent-files database.
type Store struct {
	db    *sql.DB
	limit int
}

// DefaultPath resolves the history database location:
// $XDG_STATE_HOME/arandu/history.db, or ~/.local/state/arandu/history.db.
func DefaultPath() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "arandu", "history.db"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve history path: %w", err)
	}
	return filepath.Join(home, ".local", "state", "arandu", "history.db"), nil
}

// Open opens or creates the history database at path. Use ":memory:" for
// an ephemeral database. The limit bounds how many entries Record keeps;
// values below one fall back to DefaultLimit.
func Open(path string, limit int) (*Store, error) {
	if limit < 1 {
		limit = DefaultLimit
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir %s: %w", dir, err)
		}
		// busy_timeout covers the window where a forwarding process and
		// the instance touch the database at the same time.
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// Single writer keeps SQLite happy and keeps ":memory:" databases on
	// one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	store := &Store{db: db, limit: limit}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record notes that path was opened at openedAt, bumping its open count,
// then prunes the list down to the store's limit.
func (s *Store) Record(ctx context.Context, path string, openedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recent_files (path, last_opened, open_count)
		VALUES (?, ?, 1)
		ON CONFLICT (path) DO UPDATE SET
			last_opened = excluded.last_opened,
			open_count = open_count + 1
	`, path, openedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record %s: %w", path, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM recent_files WHERE path NOT IN (
			SELECT path FROM recent_files
			ORDER BY last_opened DESC, path ASC
			LIMIT ?
		)
	`, s.limit)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	return tx.Commit()
}

// Recent returns the newest entries first. A limit below one means the
// store's configured limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = s.limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, last_opened, open_count FROM recent_files
		ORDER BY last_opened DESC, path ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			millis int64
		)
		if err := rows.Scan(&entry.Path, &millis, &entry.OpenCount); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.LastOpened = time.UnixMilli(millis)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history rows: %w", err)
	}
	return entries, nil
}

// Remove drops a single path from the history.
func (s *Store) Remove(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recent_files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("remove %s from history: %w", path, err)
	}
	return nil
}

// Clear empties the history.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recent_files`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Len reports how many entries are stored.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recent_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history rows: %w", err)
	}
	return n, nil
}
