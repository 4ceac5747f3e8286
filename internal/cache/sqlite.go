package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps records in a SQLite file that any local process can open.
// WAL mode lets readers in other processes proceed while a write commits.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	namespace string
}

// OpenSQLite opens (creating if needed) the shared database at path.
func OpenSQLite(path, namespace string) (*SQLiteBackend, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS shared_defaults (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		) WITHOUT ROWID;
	`)
	if err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("create shared_defaults: %w", err)
	}

	return &SQLiteBackend{db: db, path: path, namespace: namespace}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// Write upserts all records in a single transaction.
func (b *SQLiteBackend) Write(ctx context.Context, records map[string][]byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shared_defaults (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	now := time.Now().UnixNano()
	for _, key := range sortedKeys(records) {
		if _, err := stmt.ExecContext(ctx, b.namespace, key, records[key], now); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Read fetches keys with a single SELECT, which sees one committed state.
func (b *SQLiteBackend) Read(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, b.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	query := `SELECT key, value FROM shared_defaults WHERE namespace = ? AND key IN (?` +
		strings.Repeat(", ?", len(keys)-1) + `)`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shared_defaults: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Backend = (*SQLiteBackend)(nil)
