package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docket-ai/docket/pkg/models"
)

// CommentRepo is the storage contract behind CommentService.
type CommentRepo interface {
	Insert(ctx context.Context, c *models.Comment) error
	Get(ctx context.Context, id string) (*models.Comment, error)
	Update(ctx context.Context, c *models.Comment) error
	Delete(ctx context.Context, id string) error

	// ListReview returns a review's comments ordered by thread, then by
	// creation time.
	ListReview(ctx context.Context, reviewID string) ([]models.Comment, error)
}

// CommentService manages cell comment threads. Access rules: the author
// edits, the review owner deletes, anyone with review access resolves.
type CommentService struct {
	repo    CommentRepo
	reviews *ReviewService
}

func NewCommentService(repo CommentRepo, reviews *ReviewService) *CommentService {
	return &CommentService{repo: repo, reviews: reviews}
}

// Add appends a comment to the (file, column) thread of a review.
func (s *CommentService) Add(_ context.Context, reviewID, fileID, columnID, authorID, body string) (*models.Comment, error) {
	if reviewID == "" {
		return nil, NewValidationError("review_id", "required")
	}
	if fileID == "" || columnID == "" {
		return nil, NewValidationError("cell", "file_id and column_id are required")
	}
	if authorID == "" {
		return nil, NewValidationError("author_id", "required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, NewValidationError("body", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	// The thread must hang off an existing review.
	if _, err := s.reviews.Table(ctx, reviewID); err != nil {
		return nil, err
	}

	c := &models.Comment{
		ID:        uuid.New().String(),
		ReviewID:  reviewID,
		FileID:    fileID,
		ColumnID:  columnID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Edit replaces a comment's body. Only the author may edit.
func (s *CommentService) Edit(_ context.Context, commentID, userID, body string) (*models.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, NewValidationError("body", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c, err := s.repo.Get(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if c.AuthorID != userID {
		return nil, fmt.Errorf("%w: only the author may edit a comment", ErrForbidden)
	}
	now := time.Now().UTC()
	c.Body = body
	c.UpdatedAt = &now
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a comment. Only the review owner may delete.
func (s *CommentService) Delete(_ context.Context, commentID, userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c, err := s.repo.Get(ctx, commentID)
	if err != nil {
		return err
	}
	table, err := s.reviews.Table(ctx, c.ReviewID)
	if err != nil {
		return err
	}
	if table.OwnerID != userID {
		return fmt.Errorf("%w: only the review owner may delete a comment", ErrForbidden)
	}
	return s.repo.Delete(ctx, commentID)
}

// Resolve flips a comment's resolution flag. Anyone with review access may
// resolve or unresolve.
func (s *CommentService) Resolve(_ context.Context, commentID, userID string, resolved bool) (*models.Comment, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c, err := s.repo.Get(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if resolved {
		now := time.Now().UTC()
		c.Resolved = true
		c.ResolvedBy = userID
		c.ResolvedAt = &now
	} else {
		c.Resolved = false
		c.ResolvedBy = ""
		c.ResolvedAt = nil
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Thread lists one cell's comments in order.
func (s *CommentService) Thread(ctx context.Context, reviewID, fileID, columnID string) ([]models.Comment, error) {
	all, err := s.repo.ListReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	var out []models.Comment
	for _, c := range all {
		if c.FileID == fileID && c.ColumnID == columnID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListReview lists every comment of a review.
func (s *CommentService) ListReview(ctx context.Context, reviewID string) ([]models.Comment, error) {
	return s.repo.ListReview(ctx, reviewID)
}

// MemoryCommentRepo is the in-process CommentRepo.
type MemoryCommentRepo struct {
	mu       sync.Mutex
	comments map[string]*models.Comment
}

func NewMemoryCommentRepo() *MemoryCommentRepo {
	return &MemoryCommentRepo{comments: make(map[string]*models.Comment)}
}

func (r *MemoryCommentRepo) Insert(_ context.Context, c *models.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.comments[c.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *c
	r.comments[c.ID] = &cp
	return nil
}

func (r *MemoryCommentRepo) Get(_ context.Context, id string) (*models.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCommentRepo) Update(_ context.Context, c *models.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.comments[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	r.comments[c.ID] = &cp
	return nil
}

func (r *MemoryCommentRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.comments[id]; !ok {
		return ErrNotFound
	}
	delete(r.comments, id)
	return nil
}

func (r *MemoryCommentRepo) ListReview(_ context.Context, reviewID string) ([]models.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Comment
	for _, c := range r.comments {
		if c.ReviewID == reviewID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}
		if out[i].ColumnID != out[j].ColumnID {
			return out[i].ColumnID < out[j].ColumnID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
