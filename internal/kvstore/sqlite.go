package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_items (
	ns         TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (ns, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_items_ns ON kv_items (ns);
`

// SQLite is the default Store backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps SQLITE_BUSY away; in-memory databases are per-connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	for _, raw := range strings.Split(sqliteSchema, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, ns []string, key string) (*Item, error) {
	if err := validate(ns, key); err != nil {
		return nil, err
	}
	var value string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv_items WHERE ns = ? AND key = ?`,
		EncodeNamespace(ns), key,
	).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &Item{
		Namespace: append([]string(nil), ns...),
		Key:       key,
		Value:     json.RawMessage(value),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

func (s *SQLite) Put(ctx context.Context, ns []string, key string, value json.RawMessage) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_items (ns, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		EncodeNamespace(ns), key, string(value), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE ns = ? AND key = ?`, EncodeNamespace(ns), key); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, prefix []string, limit int) ([]Item, error) {
	p := EncodeNamespace(prefix)
	query := `SELECT ns, key, value, updated_at FROM kv_items
		WHERE substr(ns, 1, length(?)) = ? ORDER BY ns, key`
	args := []any{p, p}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var ns, key, value string
		var updated int64
		if err := rows.Scan(&ns, &key, &value, &updated); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, Item{
			Namespace: DecodeNamespace(ns),
			Key:       key,
			Value:     json.RawMessage(value),
			UpdatedAt: time.UnixMilli(updated).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
