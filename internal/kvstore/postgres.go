package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backend for deployments that share state between a
// bot process and a notifier process.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and initializes the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_items (
			ns TEXT NOT NULL,
			key TEXT NOT NULL,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (ns, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_items_ns ON kv_items (ns text_pattern_ops);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init kv schema failed on %q: %w", stmt, err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, ns []string, key string) (*Item, error) {
	if err := validate(ns, key); err != nil {
		return nil, err
	}
	var value []byte
	var updated time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT value, updated_at FROM kv_items WHERE ns = $1 AND key = $2`,
		EncodeNamespace(ns), key,
	).Scan(&value, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &Item{
		Namespace: append([]string(nil), ns...),
		Key:       key,
		Value:     json.RawMessage(value),
		UpdatedAt: updated.UTC(),
	}, nil
}

func (p *Postgres) Put(ctx context.Context, ns []string, key string, value json.RawMessage) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO kv_items (ns, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ns, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		EncodeNamespace(ns), key, []byte(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_items WHERE ns = $1 AND key = $2`, EncodeNamespace(ns), key); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (p *Postgres) Search(ctx context.Context, prefix []string, limit int) ([]Item, error) {
	pfx := EncodeNamespace(prefix)
	query := `SELECT ns, key, value, updated_at FROM kv_items
		WHERE left(ns, length($1)) = $1 ORDER BY ns COLLATE "C", key COLLATE "C"`
	args := []any{pfx}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var ns, key string
		var value []byte
		var updated time.Time
		if err := rows.Scan(&ns, &key, &value, &updated); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, Item{
			Namespace: DecodeNamespace(ns),
			Key:       key,
			Value:     json.RawMessage(value),
			UpdatedAt: updated.UTC(),
		})
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
