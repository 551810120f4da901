package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// EnrollmentRepository persists facial templates.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, identity_id, embedding, dimension, quality_score, face_confidence, faces_detected, frames_processed, thumbnail_path, provider, external_face_id, is_active, created_at, updated_at, deactivated_at`

// FindActive returns the active enrollment of an identity or sql.ErrNoRows.
func (r *EnrollmentRepository) FindActive(ctx context.Context, identityID string) (*models.FaceEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM face_enrollments WHERE identity_id = $1 AND is_active`
	var enrollment models.FaceEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, identityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return &enrollment, nil
}

// ForEachActive streams every active enrollment except those of
// excludeIdentity. Iteration stops at the first error returned by fn.
func (r *EnrollmentRepository) ForEachActive(ctx context.Context, excludeIdentity string, fn func(models.ActiveEmbedding) error) error {
	const query = `SELECT identity_id, embedding, external_face_id FROM face_enrollments WHERE is_active AND ($1 = '' OR identity_id::text <> $1)`
	rows, err := r.db.QueryxContext(ctx, query, excludeIdentity)
	if err != nil {
		return fmt.Errorf("query active enrollments: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var row models.ActiveEmbedding
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("scan active enrollment: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate active enrollments: %w", err)
	}
	return nil
}

// Supersede stores e as the identity's active enrollment. Concurrent writers
// for the same identity are serialised by an advisory lock; a prior active
// row is deactivated, never duplicated.
func (r *EnrollmentRepository) Supersede(ctx context.Context, e *models.FaceEnrollment, vec []float32) (models.Supersession, error) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IsActive = true
	e.CreatedAt = now
	e.UpdatedAt = now

	var out models.Supersession
	err := withTx(ctx, r.db, "supersede enrollment", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.IdentityID); err != nil {
			return fmt.Errorf("lock identity enrollment: %w", err)
		}
		var prior []sql.NullString
		if err := tx.SelectContext(ctx, &prior, `UPDATE face_enrollments SET is_active = FALSE, deactivated_at = $2, updated_at = $2 WHERE identity_id = $1 AND is_active RETURNING external_face_id`, e.IdentityID, now); err != nil {
			return fmt.Errorf("deactivate prior enrollment: %w", err)
		}
		out.Created = len(prior) == 0
		if len(prior) > 0 && prior[0].Valid {
			faceID := prior[0].String
			out.PriorExternalFaceID = &faceID
		}

		const insert = `INSERT INTO face_enrollments (id, identity_id, embedding, embedding_vec, dimension, quality_score, face_confidence, faces_detected, frames_processed, thumbnail_path, provider, external_face_id, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13, $13)`
		if _, err := tx.ExecContext(ctx, insert,
			e.ID, e.IdentityID, e.Embedding, pgvector.NewVector(vec), e.Dimension, e.QualityScore, e.FaceConfidence,
			e.FacesDetected, e.FramesProcessed, e.ThumbnailPath, e.Provider, e.ExternalFaceID, now,
		); err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Supersession{}, err
	}
	return out, nil
}

// Deactivate retires the active enrollment of an identity and returns it,
// or sql.ErrNoRows when there is none.
func (r *EnrollmentRepository) Deactivate(ctx context.Context, identityID string) (*models.FaceEnrollment, error) {
	var prior models.FaceEnrollment
	err := withTx(ctx, r.db, "deactivate enrollment", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, identityID); err != nil {
			return fmt.Errorf("lock identity enrollment: %w", err)
		}
		query := `UPDATE face_enrollments SET is_active = FALSE, deactivated_at = $2, updated_at = $2 WHERE identity_id = $1 AND is_active RETURNING ` + enrollmentColumns
		if err := tx.GetContext(ctx, &prior, query, identityID, time.Now().UTC()); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("deactivate enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

// SetVector rewrites the pgvector copy of an identity's active template from
// its canonical encoding.
func (r *EnrollmentRepository) SetVector(ctx context.Context, identityID string, vec []float32) error {
	const query = `UPDATE face_enrollments SET embedding_vec = $2, updated_at = NOW() WHERE identity_id = $1 AND is_active`
	if _, err := r.db.ExecContext(ctx, query, identityID, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("set enrollment vector: %w", err)
	}
	return nil
}

// NearestRow is a database side similarity hit.
type NearestRow struct {
	IdentityID string  `db:"identity_id"`
	Similarity float64 `db:"similarity"`
}

// Nearest ranks active enrollments by cosine similarity to vec using pgvector.
func (r *EnrollmentRepository) Nearest(ctx context.Context, vec []float32, limit int) ([]NearestRow, error) {
	const query = `SELECT identity_id, 1 - (embedding_vec <=> $1::vector) AS similarity
FROM face_enrollments
WHERE is_active AND vector_dims(embedding_vec) = $3
ORDER BY embedding_vec <=> $1::vector
LIMIT $2`
	var rows []NearestRow
	if err := r.db.SelectContext(ctx, &rows, query, pgvector.NewVector(vec), limit, len(vec)); err != nil {
		return nil, fmt.Errorf("nearest enrollments: %w", err)
	}
	return rows, nil
}

// Statistics returns the number of active enrollments, their mean quality and
// the most recent ones.
func (r *EnrollmentRepository) Statistics(ctx context.Context, recent int) (int, float64, []models.RecentEnrollment, error) {
	var agg struct {
		Enrolled int     `db:"enrolled"`
		Average  float64 `db:"average"`
	}
	if err := r.db.GetContext(ctx, &agg, `SELECT COUNT(*) AS enrolled, COALESCE(AVG(quality_score), 0) AS average FROM face_enrollments WHERE is_active`); err != nil {
		return 0, 0, nil, fmt.Errorf("enrollment statistics: %w", err)
	}

	const recentQuery = `SELECT fe.identity_id, i.full_name, fe.quality_score, fe.created_at
FROM face_enrollments fe
JOIN identities i ON i.id = fe.identity_id
WHERE fe.is_active
ORDER BY fe.created_at DESC
LIMIT $1`
	var rows []models.RecentEnrollment
	if err := r.db.SelectContext(ctx, &rows, recentQuery, recent); err != nil {
		return 0, 0, nil, fmt.Errorf("recent enrollments: %w", err)
	}
	return agg.Enrolled, agg.Average, rows, nil
}
