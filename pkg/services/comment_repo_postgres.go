package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docket-ai/docket/pkg/models"
)

// PostgresCommentRepo stores comments in the cell_comments table.
type PostgresCommentRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCommentRepo(pool *pgxpool.Pool) *PostgresCommentRepo {
	return &PostgresCommentRepo{pool: pool}
}

const commentColumns = `id, review_id, file_id, column_id, author_id, body,
	resolved, resolved_by, resolved_at, created_at, updated_at`

func (r *PostgresCommentRepo) Insert(ctx context.Context, c *models.Comment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cell_comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, $10))`,
		c.ID, c.ReviewID, c.FileID, c.ColumnID, c.AuthorID, c.Body,
		c.Resolved, nullableStr(c.ResolvedBy), c.ResolvedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("services: inserting comment %s: %w", c.ID, err)
	}
	return nil
}

func (r *PostgresCommentRepo) Get(ctx context.Context, id string) (*models.Comment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM cell_comments WHERE id = $1`, id)
	return scanComment(row)
}

func (r *PostgresCommentRepo) Update(ctx context.Context, c *models.Comment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE cell_comments SET body = $2, resolved = $3, resolved_by = $4,
			resolved_at = $5, updated_at = COALESCE($6, updated_at)
		WHERE id = $1`,
		c.ID, c.Body, c.Resolved, nullableStr(c.ResolvedBy), c.ResolvedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("services: updating comment %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCommentRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cell_comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("services: deleting comment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCommentRepo) ListReview(ctx context.Context, reviewID string) ([]models.Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+commentColumns+` FROM cell_comments
		WHERE review_id = $1
		ORDER BY file_id, column_id, created_at`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("services: listing comments for review %s: %w", reviewID, err)
	}
	defer rows.Close()

	var out []models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanComment(row pgx.Row) (*models.Comment, error) {
	var (
		c          models.Comment
		resolvedBy *string
	)
	err := row.Scan(&c.ID, &c.ReviewID, &c.FileID, &c.ColumnID, &c.AuthorID, &c.Body,
		&c.Resolved, &resolvedBy, &c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: scanning comment: %w", err)
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	return &c, nil
}
