package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// SessionRepository reads scheduled sessions. Scheduling itself is managed
// by another system.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByID returns an active session or sql.ErrNoRows.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.AttendanceSession, error) {
	const query = `SELECT id, title, course_code, session_date, start_time::text AS start_time, end_time::text AS end_time,
clock_in_opens_at::text AS clock_in_opens_at, clock_in_closes_at::text AS clock_in_closes_at, grace_minutes, owner_id, active, created_at
FROM attendance_sessions WHERE id = $1 AND active`
	var session models.AttendanceSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}
