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

// RecordMutator applies the attendance rules to a locked record. Returning an
// error rolls the whole transaction back.
type RecordMutator func(rec *models.AttendanceRecord) error

// AttendanceRepository persists attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const recordColumns = `id, identity_id, session_id, attendance_date, status, check_in_time, check_out_time, confidence, snapshot_path, is_manual_override, override_reason, override_by, created_at, updated_at, deleted_at`

func dateArg(t time.Time) string {
	return t.Format("2006-01-02")
}

// Mutate locks the record for key and applies fn inside one transaction.
// With create set, a missing record is inserted first (ABSENT) so concurrent
// callers always contend on the same row. Without it, a missing record
// yields sql.ErrNoRows and nothing is written.
func (r *AttendanceRepository) Mutate(ctx context.Context, key models.AttendanceKey, create bool, fn RecordMutator) (*models.AttendanceRecord, error) {
	var out *models.AttendanceRecord
	err := withTx(ctx, r.db, "mutate attendance", func(tx *sqlx.Tx) error {
		rec, err := r.MutateTx(ctx, tx, key, create, fn)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MutateTx is Mutate inside a caller owned transaction.
func (r *AttendanceRepository) MutateTx(ctx context.Context, tx *sqlx.Tx, key models.AttendanceKey, create bool, fn RecordMutator) (*models.AttendanceRecord, error) {
	now := time.Now().UTC()
	date := dateArg(key.Date)

	if create {
		const insert = `INSERT INTO attendance_records (id, identity_id, session_id, attendance_date, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (identity_id, session_id, attendance_date) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), key.IdentityID, key.SessionID, date, models.AttendanceAbsent, now); err != nil {
			return nil, fmt.Errorf("ensure attendance record: %w", err)
		}
	}

	query := `SELECT ` + recordColumns + ` FROM attendance_records WHERE identity_id = $1 AND session_id = $2 AND attendance_date = $3 FOR UPDATE`
	var rec models.AttendanceRecord
	if err := tx.GetContext(ctx, &rec, query, key.IdentityID, key.SessionID, date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock attendance record: %w", err)
	}

	if rec.DeletedAt != nil {
		if !create {
			return nil, sql.ErrNoRows
		}
		rec = models.AttendanceRecord{
			ID:             rec.ID,
			IdentityID:     rec.IdentityID,
			SessionID:      rec.SessionID,
			AttendanceDate: rec.AttendanceDate,
			Status:         models.AttendanceAbsent,
			CreatedAt:      rec.CreatedAt,
		}
	}

	if err := fn(&rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now

	const update = `UPDATE attendance_records SET status = $2, check_in_time = $3, check_out_time = $4, confidence = $5, snapshot_path = $6,
is_manual_override = $7, override_reason = $8, override_by = $9, updated_at = $10, deleted_at = NULL
WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, rec.ID, rec.Status, rec.CheckInTime, rec.CheckOutTime, rec.Confidence, rec.SnapshotPath,
		rec.IsManualOverride, rec.OverrideReason, rec.OverrideBy, rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update attendance record: %w", err)
	}
	return &rec, nil
}

// SetSnapshot records where the verification snapshot of a record was stored.
func (r *AttendanceRepository) SetSnapshot(ctx context.Context, recordID, path string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE attendance_records SET snapshot_path = $2 WHERE id = $1`, recordID, path); err != nil {
		return fmt.Errorf("set attendance snapshot: %w", err)
	}
	return nil
}

// FindByKey returns the live record for key or sql.ErrNoRows.
func (r *AttendanceRepository) FindByKey(ctx context.Context, key models.AttendanceKey) (*models.AttendanceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records WHERE identity_id = $1 AND session_id = $2 AND attendance_date = $3 AND deleted_at IS NULL`
	var rec models.AttendanceRecord
	if err := r.db.GetContext(ctx, &rec, query, key.IdentityID, key.SessionID, dateArg(key.Date)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find attendance record: %w", err)
	}
	return &rec, nil
}

// Roster returns every live record of a session day with identity names.
func (r *AttendanceRepository) Roster(ctx context.Context, sessionID string, date time.Time) ([]models.RosterEntry, error) {
	const query = `SELECT ar.id, ar.identity_id, ar.session_id, ar.attendance_date, ar.status, ar.check_in_time, ar.check_out_time, ar.confidence,
ar.snapshot_path, ar.is_manual_override, ar.override_reason, ar.override_by, ar.created_at, ar.updated_at, ar.deleted_at,
i.full_name, i.external_ref
FROM attendance_records ar
JOIN identities i ON i.id = ar.identity_id
WHERE ar.session_id = $1 AND ar.attendance_date = $2 AND ar.deleted_at IS NULL
ORDER BY i.full_name`
	var rows []models.RosterEntry
	if err := r.db.SelectContext(ctx, &rows, query, sessionID, dateArg(date)); err != nil {
		return nil, fmt.Errorf("session roster: %w", err)
	}
	return rows, nil
}

// SoftDelete hides a record without removing it.
func (r *AttendanceRepository) SoftDelete(ctx context.Context, recordID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_records SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, recordID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete attendance record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
