package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// RequestDecider mutates a locked pending request inside the decision
// transaction. tx may be used for related writes that must commit with it.
type RequestDecider func(tx *sqlx.Tx, req *models.ManualRequest) error

// ManualRequestRepository persists manual attendance requests.
type ManualRequestRepository struct {
	db *sqlx.DB
}

// NewManualRequestRepository constructs the repository.
func NewManualRequestRepository(db *sqlx.DB) *ManualRequestRepository {
	return &ManualRequestRepository{db: db}
}

const manualRequestColumns = `id, identity_id, session_id, attendance_date, reason, status, reviewed_by, review_note, reviewed_at, created_at`

// Create inserts a pending request. A second pending request for the same
// identity, session and day violates idx_manual_requests_pending.
func (r *ManualRequestRepository) Create(ctx context.Context, req *models.ManualRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = models.ManualRequestPending
	const query = `INSERT INTO manual_requests (id, identity_id, session_id, attendance_date, reason, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query, req.ID, req.IdentityID, req.SessionID, dateArg(req.AttendanceDate), req.Reason, req.Status, req.CreatedAt); err != nil {
		return fmt.Errorf("create manual request: %w", err)
	}
	return nil
}

// FindByID returns a request or sql.ErrNoRows.
func (r *ManualRequestRepository) FindByID(ctx context.Context, id string) (*models.ManualRequest, error) {
	var req models.ManualRequest
	if err := r.db.GetContext(ctx, &req, `SELECT `+manualRequestColumns+` FROM manual_requests WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find manual request: %w", err)
	}
	return &req, nil
}

// FindPending returns the pending request for key or sql.ErrNoRows.
func (r *ManualRequestRepository) FindPending(ctx context.Context, key models.AttendanceKey) (*models.ManualRequest, error) {
	query := `SELECT ` + manualRequestColumns + ` FROM manual_requests WHERE identity_id = $1 AND session_id = $2 AND attendance_date = $3 AND status = $4`
	var req models.ManualRequest
	if err := r.db.GetContext(ctx, &req, query, key.IdentityID, key.SessionID, dateArg(key.Date), models.ManualRequestPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find pending manual request: %w", err)
	}
	return &req, nil
}

// Decide locks a request, hands it to fn and persists the review fields in
// the same transaction. The caller checks the status inside fn so two
// reviewers cannot both decide the request.
func (r *ManualRequestRepository) Decide(ctx context.Context, id string, fn RequestDecider) (*models.ManualRequest, error) {
	var out models.ManualRequest
	err := withTx(ctx, r.db, "decide manual request", func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &out, `SELECT `+manualRequestColumns+` FROM manual_requests WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock manual request: %w", err)
		}
		if err := fn(tx, &out); err != nil {
			return err
		}
		const update = `UPDATE manual_requests SET status = $2, reviewed_by = $3, review_note = $4, reviewed_at = $5 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, update, out.ID, out.Status, out.ReviewedBy, out.ReviewNote, out.ReviewedAt); err != nil {
			return fmt.Errorf("update manual request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns requests matching filter with display fields and the total.
func (r *ManualRequestRepository) List(ctx context.Context, filter models.ManualRequestFilter) ([]models.ManualRequestView, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("mr.status = $%d", len(args)))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		conditions = append(conditions, fmt.Sprintf("mr.session_id = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("s.owner_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	from := ` FROM manual_requests mr
JOIN identities i ON i.id = mr.identity_id
JOIN attendance_sessions s ON s.id = mr.session_id`

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*)`+from+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count manual requests: %w", err)
	}

	page, size := models.Normalize(filter.Page, filter.PageSize, 100)
	listArgs := append(append([]interface{}{}, args...), size, (page-1)*size)
	query := `SELECT mr.id, mr.identity_id, mr.session_id, mr.attendance_date, mr.reason, mr.status, mr.reviewed_by, mr.review_note, mr.reviewed_at, mr.created_at,
i.full_name, s.title AS session_title, s.course_code` + from + where +
		fmt.Sprintf(" ORDER BY mr.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	var rows []models.ManualRequestView
	if err := r.db.SelectContext(ctx, &rows, query, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list manual requests: %w", err)
	}
	return rows, total, nil
}

// Stats counts the review queue. Decisions are counted from since onwards.
func (r *ManualRequestRepository) Stats(ctx context.Context, ownerID string, since time.Time) (*models.ManualRequestStats, error) {
	const query = `SELECT
COUNT(*) FILTER (WHERE mr.status = 'pending') AS pending,
COUNT(*) FILTER (WHERE mr.status = 'approved' AND mr.reviewed_at >= $1) AS approved_today,
COUNT(*) FILTER (WHERE mr.status = 'rejected' AND mr.reviewed_at >= $1) AS rejected_today,
COUNT(*) AS total
FROM manual_requests mr
JOIN attendance_sessions s ON s.id = mr.session_id
WHERE ($2 = '' OR s.owner_id::text = $2)`
	var stats models.ManualRequestStats
	if err := r.db.GetContext(ctx, &stats, query, since, ownerID); err != nil {
		return nil, fmt.Errorf("manual request stats: %w", err)
	}
	return &stats, nil
}
