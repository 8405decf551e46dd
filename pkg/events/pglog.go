package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docket-ai/docket/pkg/models"
)

// NotifyChannel is the single pg_notify channel carrying run events. Each
// pod listens once and routes by run_id, so no dynamic LISTEN/UNLISTEN is
// needed as runs come and go.
const NotifyChannel = "run_events"

// notifyLimit keeps NOTIFY payloads inside PostgreSQL's 8000-byte cap with
// headroom. Larger events are announced with a truncation envelope and
// refetched from the log by the receiving pod.
const notifyLimit = 7900

// PostgresLog stores run events in the run_events table and broadcasts each
// insert via pg_notify in the same transaction, so cross-pod delivery fires
// if and only if the row committed.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) Append(ctx context.Context, e models.Event) (models.Event, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return e, fmt.Errorf("events: marshaling payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return e, fmt.Errorf("events: beginning append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A run's events are appended by its single owning worker, so the
	// max(seq)+1 subquery cannot race with itself.
	err = tx.QueryRow(ctx,
		`INSERT INTO run_events (run_id, seq, type, payload, created_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		 FROM run_events WHERE run_id = $1
		 RETURNING seq`,
		e.RunID, string(e.Type), raw, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return e, fmt.Errorf("events: inserting run event: %w", err)
	}

	notify, err := notifyPayload(e)
	if err != nil {
		return e, err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, notify); err != nil {
		return e, fmt.Errorf("events: pg_notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return e, fmt.Errorf("events: committing run event: %w", err)
	}
	return e, nil
}

func (l *PostgresLog) Since(ctx context.Context, runID string, afterSeq int64, limit int) ([]models.Event, error) {
	query := `SELECT run_id, seq, type, payload, created_at
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: querying run events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		var typ string
		if err := rows.Scan(&e.RunID, &e.Seq, &typ, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scanning run event: %w", err)
		}
		e.Type = models.EventType(typ)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterating run events: %w", err)
	}
	return out, nil
}

// truncatedEnvelope announces an oversized event; the payload is refetched
// from the log on receipt.
type truncatedEnvelope struct {
	RunID     string `json:"run_id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Truncated bool   `json:"truncated"`
}

func notifyPayload(e models.Event) (string, error) {
	full, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("events: marshaling notify payload: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}
	short, err := json.Marshal(truncatedEnvelope{
		RunID:     e.RunID,
		Seq:       e.Seq,
		Type:      string(e.Type),
		Truncated: true,
	})
	if err != nil {
		return "", fmt.Errorf("events: marshaling truncation envelope: %w", err)
	}
	return string(short), nil
}
