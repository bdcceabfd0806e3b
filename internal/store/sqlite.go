// Package store provides the node-local, SQLite-backed persistence for the
// anchoring schema projection, keyed per instance so a single process can
// host more than one anchoring instance without a process-wide singleton.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sql.DB connection that backs every anchoring instance's
// schema projection, keyed by (instance, key).
type Store struct {
	conn *sql.DB
	path string
}

// Open opens a SQLite-backed store at path with WAL mode and a busy
// timeout, and applies any pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the store's connection.
func (s *Store) Close() error {
	slog.Info("closing anchoring store", "path", s.path)
	return s.conn.Close()
}

// runMigrations applies all pending SQL migration files from the embedded filesystem.
func (s *Store) runMigrations() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d", &version); err != nil {
			slog.Warn("skipping migration with unparseable version", "file", entry.Name())
			continue
		}

		var count int
		if err := s.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration status for version %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		slog.Info("migration applied", "version", version, "file", entry.Name())
	}

	return nil
}

// GetJSON loads the JSON-encoded value stored under (instance, key) into out.
// Returns found=false, err=nil if no row exists.
func (s *Store) GetJSON(instance, key string, out interface{}) (bool, error) {
	var raw []byte
	err := s.conn.QueryRow(
		"SELECT value FROM anchoring_state WHERE instance = ? AND key = ?",
		instance, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", instance, key, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", instance, key, err)
	}
	return true, nil
}

// PutJSON upserts a JSON-encoded value under (instance, key).
func (s *Store) PutJSON(instance, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", instance, key, err)
	}

	_, err = s.conn.Exec(
		`INSERT INTO anchoring_state (instance, key, value, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(instance, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		instance, key, raw,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", instance, key, err)
	}
	return nil
}

// DeleteKey removes the value stored under (instance, key), if any.
func (s *Store) DeleteKey(instance, key string) error {
	if _, err := s.conn.Exec(
		"DELETE FROM anchoring_state WHERE instance = ? AND key = ?",
		instance, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", instance, key, err)
	}
	return nil
}
