package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps one row per checkpoint in the checkpoints table; the
// latest per thread is the row with the highest seq. Idempotence comes
// from the unique (thread_id, id) pair.
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
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Put appends the checkpoint; a repeated (thread, id) write is a no-op.
func (p *Postgres) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	return p.retry(ctx, func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO checkpoints (thread_id, id, parent_id, state, seq, created_at)
			VALUES ($1, $2, $3, $4,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE thread_id = $1),
				$5)
			ON CONFLICT (thread_id, id) DO NOTHING`,
			threadID, cp.ID, nullable(cp.ParentID), []byte(cp.State), cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("checkpoint: pg put %s: %w", threadID, err)
		}
		return nil
	})
}

// GetTuple loads the thread's latest checkpoint.
func (p *Postgres) GetTuple(ctx context.Context, threadID string) (*Tuple, error) {
	var (
		cp       Checkpoint
		seq      int64
		parentID *string
	)
	err := p.retry(ctx, func() error {
		row := p.pool.QueryRow(ctx, `
			SELECT id, parent_id, state, seq, created_at
			FROM checkpoints WHERE thread_id = $1
			ORDER BY seq DESC LIMIT 1`, threadID)
		if err := row.Scan(&cp.ID, &parentID, (*[]byte)(&cp.State), &seq, &cp.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("checkpoint: pg get %s: %w", threadID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp.ThreadID = threadID
	if parentID != nil {
		cp.ParentID = *parentID
	}
	return &Tuple{Checkpoint: &cp, Seq: seq}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
