/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package store persists table registrations and excluded columns so the
// engine can restore its catalog after a restart.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// TableRecord is one persisted registration
type TableRecord struct {
	Name         string    `json:"name"`
	PhysicalName string    `json:"physical_name"`
	Schema       string    `json:"schema"`
	Alias        string    `json:"alias,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

const globalExclusionsKey = "global_excluded_columns"

// Store manages engine persistence using SQLite
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens (creating if needed) the store at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the CLI read while the server writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS registered_tables (
        name TEXT PRIMARY KEY,
        physical_name TEXT NOT NULL,
        schema_name TEXT NOT NULL DEFAULT '',
        alias TEXT NOT NULL DEFAULT '',
        registered_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS excluded_columns (
        table_name TEXT NOT NULL,
        column_name TEXT NOT NULL,
        PRIMARY KEY (table_name, column_name)
    );

    CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTable inserts or replaces a registration
func (s *Store) SaveTable(rec TableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
        INSERT INTO registered_tables (name, physical_name, schema_name, alias, registered_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            physical_name = excluded.physical_name,
            schema_name = excluded.schema_name,
            alias = excluded.alias,
            registered_at = excluded.registered_at
    `, rec.Name, rec.PhysicalName, rec.Schema, rec.Alias, rec.RegisteredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save table %s: %w", rec.Name, err)
	}
	return nil
}

// DeleteTable removes a registration. Deleting a missing entry is not an
// error.
func (s *Store) DeleteTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM registered_tables WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", name, err)
	}
	return nil
}

// ListTables returns every registration ordered by registration time
func (s *Store) ListTables() ([]TableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
        SELECT name, physical_name, schema_name, alias, registered_at
        FROM registered_tables
        ORDER BY registered_at, name
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []TableRecord
	for rows.Next() {
		var rec TableRecord
		var millis int64
		if err := rows.Scan(&rec.Name, &rec.PhysicalName, &rec.Schema, &rec.Alias, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		rec.RegisteredAt = time.UnixMilli(millis)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveExcludedColumns replaces the excluded columns of a table. An empty
// list removes them.
func (s *Store) SaveExcludedColumns(table string, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM excluded_columns WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("failed to clear excluded columns of %s: %w", table, err)
	}
	for _, col := range columns {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO excluded_columns (table_name, column_name) VALUES (?, ?)`, table, col); err != nil {
			return fmt.Errorf("failed to save excluded column %s.%s: %w", table, col, err)
		}
	}
	return tx.Commit()
}

// ExcludedColumns returns the persisted per-table exclusions
func (s *Store) ExcludedColumns() (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT table_name, column_name FROM excluded_columns ORDER BY table_name, column_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list excluded columns: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return nil, fmt.Errorf("failed to scan excluded column: %w", err)
		}
		out[table] = append(out[table], col)
	}
	return out, rows.Err()
}

// SaveGlobalExcludedColumns stores the global exclusions. An empty list is
// stored as such and is distinct from never having saved any.
func (s *Store) SaveGlobalExcludedColumns(columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if columns == nil {
		columns = []string{}
	}
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	value, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("failed to encode global excluded columns: %w", err)
	}

	_, err = s.db.Exec(`
        INSERT INTO settings (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, globalExclusionsKey, string(value))
	if err != nil {
		return fmt.Errorf("failed to save global excluded columns: %w", err)
	}
	return nil
}

// GlobalExcludedColumns returns the stored global exclusions. The second
// result is false when none were ever saved.
func (s *Store) GlobalExcludedColumns() ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, globalExclusionsKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load global excluded columns: %w", err)
	}

	var columns []string
	if err := json.Unmarshal([]byte(value), &columns); err != nil {
		return nil, false, fmt.Errorf("failed to decode global excluded columns: %w", err)
	}
	return columns, true, nil
}
