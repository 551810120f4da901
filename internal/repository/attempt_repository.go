package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// AttemptRepository appends to and reads the enrollment attempt ledger.
// Rows are never updated.
type AttemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository constructs the repository.
func NewAttemptRepository(db *sqlx.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

const attemptColumns = `id, identity_id, status, final_state, media_kind, frames_processed, faces_detected, processing_ms, error_message, conflict_identity_id, conflict_similarity, created_at`

// Create appends an attempt.
func (r *AttemptRepository) Create(ctx context.Context, attempt *models.EnrollmentAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO enrollment_attempts (` + attemptColumns + `) VALUES (:id, :identity_id, :status, :final_state, :media_kind, :frames_processed, :faces_detected, :processing_ms, :error_message, :conflict_identity_id, :conflict_similarity, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("create enrollment attempt: %w", err)
	}
	return nil
}

// ListByIdentity returns a page of attempts, newest first, and the total.
func (r *AttemptRepository) ListByIdentity(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, int, error) {
	offset := (page - 1) * size
	query := `SELECT ` + attemptColumns + ` FROM enrollment_attempts WHERE identity_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	var rows []models.EnrollmentAttempt
	if err := r.db.SelectContext(ctx, &rows, query, identityID, size, offset); err != nil {
		return nil, 0, fmt.Errorf("list enrollment attempts: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM enrollment_attempts WHERE identity_id = $1`, identityID); err != nil {
		return nil, 0, fmt.Errorf("count enrollment attempts: %w", err)
	}
	return rows, total, nil
}

// Latest returns the newest attempt of an identity or sql.ErrNoRows.
func (r *AttemptRepository) Latest(ctx context.Context, identityID string) (*models.EnrollmentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM enrollment_attempts WHERE identity_id = $1 ORDER BY created_at DESC LIMIT 1`
	var attempt models.EnrollmentAttempt
	if err := r.db.GetContext(ctx, &attempt, query, identityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("latest enrollment attempt: %w", err)
	}
	return &attempt, nil
}

// CountFailedSince counts unsuccessful attempts created at or after since.
func (r *AttemptRepository) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM enrollment_attempts WHERE status <> $1 AND created_at >= $2`, models.AttemptSuccess, since); err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return total, nil
}
