package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("record not found")

const upsertRecord = `INSERT INTO records (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`

// Get returns the value stored under key.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	if d == nil || d.sql == nil {
		return nil, errNilHandle
	}

	var value []byte
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	return value, nil
}

// Put inserts or replaces the value stored under key.
func (d *DB) Put(ctx context.Context, key string, value []byte) error {
	if d == nil || d.sql == nil {
		return errNilHandle
	}
	if _, err := d.sql.ExecContext(ctx, upsertRecord, key, value); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// PutAll writes every record in one transaction. Either all values are
// stored or none are.
func (d *DB) PutAll(ctx context.Context, records map[string][]byte) error {
	if d == nil || d.sql == nil {
		return errNilHandle
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, key := range slices.Sorted(maps.Keys(records)) {
		if _, err := tx.ExecContext(ctx, upsertRecord, key, records[key]); err != nil {
			return fmt.Errorf("upsert record %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the record under key. It returns ErrNotFound if nothing was
// deleted.
func (d *DB) Delete(ctx context.Context, key string) error {
	if d == nil || d.sql == nil {
		return errNilHandle
	}

	res, err := d.sql.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// DeleteAll removes every record whose key starts with prefix.
func (d *DB) DeleteAll(ctx context.Context, prefix string) error {
	if d == nil || d.sql == nil {
		return errNilHandle
	}
	if _, err := d.sql.ExecContext(ctx, `DELETE FROM records WHERE substr(key, 1, length(?)) = ?`, prefix, prefix); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Keys lists the keys starting with prefix in ascending order.
func (d *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	if d == nil || d.sql == nil {
		return nil, errNilHandle
	}

	rows, err := d.sql.QueryContext(ctx,
		`SELECT key FROM records WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}
