package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docket-ai/docket/pkg/models"
)

// PostgresRunRepo stores runs in the runs table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never fight over a row.
type PostgresRunRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRunRepo(pool *pgxpool.Pool) *PostgresRunRepo {
	return &PostgresRunRepo{pool: pool}
}

const runColumns = `id, case_id, user_id, task, analysis_types, options, status, error,
	created_at, started_at, completed_at, worker_id, last_heartbeat`

func (r *PostgresRunRepo) Insert(ctx context.Context, run *models.Run) error {
	types, opts, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.CaseID, run.UserID, run.Task, types, opts,
		string(run.Status), run.Error,
		run.CreatedAt, run.StartedAt, run.CompletedAt,
		nullableStr(run.WorkerID), run.LastHeartbeat)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("services: inserting run %s: %w", run.ID, err)
	}
	return nil
}

func (r *PostgresRunRepo) Get(ctx context.Context, id string) (*models.Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (r *PostgresRunRepo) Update(ctx context.Context, run *models.Run) error {
	types, opts, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET case_id = $2, user_id = $3, task = $4, analysis_types = $5,
			options = $6, status = $7, error = $8, started_at = $9,
			completed_at = $10, worker_id = $11, last_heartbeat = $12
		WHERE id = $1`,
		run.ID, run.CaseID, run.UserID, run.Task, types, opts,
		string(run.Status), run.Error, run.StartedAt, run.CompletedAt,
		nullableStr(run.WorkerID), run.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("services: updating run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRunRepo) Claim(ctx context.Context, workerID string, now time.Time) (*models.Run, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE runs SET status = 'in_progress', worker_id = $1,
			started_at = COALESCE(started_at, $2), last_heartbeat = $2
		WHERE id = (
			SELECT id FROM runs WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, workerID, now)
	return scanRun(row)
}

func (r *PostgresRunRepo) Heartbeat(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET last_heartbeat = $3
		WHERE id = $1 AND worker_id = $2 AND status = 'in_progress'`,
		id, workerID, now)
	if err != nil {
		return fmt.Errorf("services: heartbeat for run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRunRepo) RequeueOrphans(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE runs SET status = 'pending', worker_id = NULL, last_heartbeat = NULL
		WHERE status = 'in_progress'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("services: requeuing orphans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("services: scanning orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRunRepo) QueueStats(ctx context.Context, workerPrefix string) (int, int, error) {
	var pending, active int
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_progress'
				AND ($1 = '' OR worker_id LIKE $1 || '%'))
		FROM runs`, workerPrefix).Scan(&pending, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("services: querying queue stats: %w", err)
	}
	return pending, active, nil
}

func marshalRunJSON(run *models.Run) ([]byte, []byte, error) {
	types, err := json.Marshal(run.AnalysisTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("services: marshaling analysis types: %w", err)
	}
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("services: marshaling run options: %w", err)
	}
	return types, opts, nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		run      models.Run
		types    []byte
		opts     []byte
		status   string
		workerID *string
	)
	err := row.Scan(&run.ID, &run.CaseID, &run.UserID, &run.Task, &types, &opts,
		&status, &run.Error, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		&workerID, &run.LastHeartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: scanning run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if workerID != nil {
		run.WorkerID = *workerID
	}
	if err := json.Unmarshal(types, &run.AnalysisTypes); err != nil {
		return nil, fmt.Errorf("services: decoding analysis types: %w", err)
	}
	if err := json.Unmarshal(opts, &run.Options); err != nil {
		return nil, fmt.Errorf("services: decoding run options: %w", err)
	}
	return &run, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
