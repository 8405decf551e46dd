package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists entries in the store_entries table with a unique
// (namespace, key) pair. Transient connection failures retry briefly with
// exponential backoff; logical errors surface immediately.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(100*time.Millisecond)), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// SQL-level failures will not heal on retry.
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Put upserts one entry.
func (p *Postgres) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	return p.retry(ctx, func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO store_entries (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()`,
			namespace, key, []byte(value))
		if err != nil {
			return fmt.Errorf("store: pg put %s/%s: %w", namespace, key, err)
		}
		return nil
	})
}

// Get reads one entry or returns ErrNotFound.
func (p *Postgres) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	var value []byte
	err := p.retry(ctx, func() error {
		row := p.pool.QueryRow(ctx,
			`SELECT value FROM store_entries WHERE namespace = $1 AND key = $2`,
			namespace, key)
		if err := row.Scan(&value); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: pg get %s/%s: %w", namespace, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// List returns a namespace's entries sorted by key.
func (p *Postgres) List(ctx context.Context, namespace string) ([]Item, error) {
	var items []Item
	err := p.retry(ctx, func() error {
		rows, err := p.pool.Query(ctx,
			`SELECT key, value FROM store_entries WHERE namespace = $1 ORDER BY key`,
			namespace)
		if err != nil {
			return fmt.Errorf("store: pg list %s: %w", namespace, err)
		}
		defer rows.Close()

		items = items[:0]
		for rows.Next() {
			var it Item
			if err := rows.Scan(&it.Key, (*[]byte)(&it.Value)); err != nil {
				return fmt.Errorf("store: pg scan %s: %w", namespace, err)
			}
			items = append(items, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Search uses SQL ILIKE over keys and values.
func (p *Postgres) Search(ctx context.Context, namespace, query string) ([]Item, error) {
	if query == "" {
		return p.List(ctx, namespace)
	}
	var items []Item
	pattern := "%" + query + "%"
	err := p.retry(ctx, func() error {
		rows, err := p.pool.Query(ctx, `
			SELECT key, value FROM store_entries
			WHERE namespace = $1 AND (key ILIKE $2 OR value::text ILIKE $2)
			ORDER BY key`,
			namespace, pattern)
		if err != nil {
			return fmt.Errorf("store: pg search %s: %w", namespace, err)
		}
		defer rows.Close()

		items = items[:0]
		for rows.Next() {
			var it Item
			if err := rows.Scan(&it.Key, (*[]byte)(&it.Value)); err != nil {
				return fmt.Errorf("store: pg scan %s: %w", namespace, err)
			}
			items = append(items, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
