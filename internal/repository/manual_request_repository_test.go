package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/models"
)

var manualRequestColumnNames = []string{"id", "identity_id", "session_id", "attendance_date", "reason", "status", "reviewed_by", "review_note", "reviewed_at", "created_at"}

func TestManualRequestRepositoryCreateSurfacesUniqueViolation(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewManualRequestRepository(db)

	mock.ExpectExec("INSERT INTO manual_requests").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &models.ManualRequest{IdentityID: "id-1", SessionID: "ses-1", AttendanceDate: time.Now(), Reason: "camera broken"})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestManualRequestRepositoryDecideLocksAndUpdates(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewManualRequestRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM manual_requests WHERE id = \\$1 FOR UPDATE").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(manualRequestColumnNames).
			AddRow("req-1", "id-1", "ses-1", now, "camera broken", models.ManualRequestPending, nil, nil, nil, now))
	mock.ExpectExec("UPDATE attendance_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE manual_requests SET status = \\$2").
		WithArgs("req-1", models.ManualRequestApproved, "staff-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req, err := repo.Decide(context.Background(), "req-1", func(tx *sqlx.Tx, r *models.ManualRequest) error {
		if _, err := tx.Exec("UPDATE attendance_records SET status = 'PRESENT'"); err != nil {
			return err
		}
		reviewer := "staff-1"
		r.Status = models.ManualRequestApproved
		r.ReviewedBy = &reviewer
		r.ReviewedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.ManualRequestApproved, req.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManualRequestRepositoryDecideRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewManualRequestRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(manualRequestColumnNames).
			AddRow("req-1", "id-1", "ses-1", now, "late bus", models.ManualRequestRejected, "staff-1", nil, now, now))
	mock.ExpectRollback()

	decided := errors.New("already decided")
	_, err := repo.Decide(context.Background(), "req-1", func(_ *sqlx.Tx, r *models.ManualRequest) error {
		if r.Status != models.ManualRequestPending {
			return decided
		}
		return nil
	})
	require.ErrorIs(t, err, decided)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManualRequestRepositoryListAppliesFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewManualRequestRepository(db)
	now := time.Now()
	pending := models.ManualRequestPending

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM manual_requests mr.* WHERE mr.status = \\$1 AND s.owner_id = \\$2").
		WithArgs(pending, "fac-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY mr.created_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs(pending, "fac-1", 20, 0).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, manualRequestColumnNames...), "full_name", "session_title", "course_code")).
			AddRow("req-1", "id-1", "ses-1", now, "camera broken", pending, nil, nil, nil, now, "Ada", "Algorithms", "CS201"))

	rows, total, err := repo.List(context.Background(), models.ManualRequestFilter{Status: &pending, OwnerID: "fac-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "Algorithms", rows[0].SessionTitle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManualRequestRepositoryStats(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewManualRequestRepository(db)
	since := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("COUNT\\(\\*\\) FILTER").
		WithArgs(since, "").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "approved_today", "rejected_today", "total"}).AddRow(2, 1, 0, 9))

	stats, err := repo.Stats(context.Background(), "", since)
	require.NoError(t, err)
	assert.Equal(t, models.ManualRequestStats{Pending: 2, ApprovedToday: 1, RejectedToday: 0, Total: 9}, *stats)
}

func TestAuditRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	log := &models.AuditLog{Action: models.AuditActionAttendanceOverride, Resource: "attendance_record"}
	require.NoError(t, repo.Create(context.Background(), log))
	assert.NotEmpty(t, log.ID)
	assert.False(t, log.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryWithoutRedis(t *testing.T) {
	repo := NewNotificationRepository(nil, "")
	err := repo.Publish(context.Background(), &models.Notification{Type: models.EventClockIn})
	require.ErrorIs(t, err, ErrNotificationsDisabled)
	_, err = repo.Recent(context.Background(), 10)
	require.ErrorIs(t, err, ErrNotificationsDisabled)
}

func TestCacheRepositoryWithoutRedisMisses(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	var out map[string]int
	require.Error(t, repo.Get(context.Background(), "k", &out))
	require.NoError(t, repo.Set(context.Background(), "k", 1, time.Minute))
	require.NoError(t, repo.Delete(context.Background(), "k"))
	require.NoError(t, repo.Ping(context.Background()))
}
