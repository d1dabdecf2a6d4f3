package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultFilename is the database file created inside the vault directory.
const DefaultFilename = "vault.db"

var errNilHandle = errors.New("database handle is nil")

// DB wraps the SQLite handle backing the record store.
type DB struct {
	sql  *sql.DB
	path string
}

// Open initialises a SQLite database at path, applies the schema and returns
// the record store.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer keeps PutAll transactions from racing with Put.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}

	d := &DB{sql: handle, path: path}
	if err := Migrate(d); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing handle. The schema is not applied.
func New(handle *sql.DB) *DB {
	return &DB{sql: handle}
}

// Path returns the database file path, empty for wrapped handles.
func (d *DB) Path() string { return d.path }

// Close releases the database resources.
func Close(d *DB) error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// EnsurePerm0600 restricts the database file to its owner on Unix systems.
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
}

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT     PRIMARY KEY,
	value      BLOB     NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Migrate ensures the records table exists.
func Migrate(d *DB) error {
	if d == nil || d.sql == nil {
		return errNilHandle
	}
	if _, err := d.sql.Exec(createRecordsTable); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
