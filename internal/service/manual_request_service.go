package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/repository"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type manualRequestStore interface {
	Create(ctx context.Context, req *models.ManualRequest) error
	FindByID(ctx context.Context, id string) (*models.ManualRequest, error)
	Decide(ctx context.Context, id string, fn repository.RequestDecider) (*models.ManualRequest, error)
	List(ctx context.Context, filter models.ManualRequestFilter) ([]models.ManualRequestView, int, error)
	Stats(ctx context.Context, ownerID string, since time.Time) (*models.ManualRequestStats, error)
}

// ManualRequestDeps groups the collaborators of ManualRequestService.
type ManualRequestDeps struct {
	Requests   manualRequestStore
	Sessions   sessionReader
	Identities identityStore
	Records    attendanceStore
	Notifier   notifier
	Audit      auditWriter
	Metrics    *MetricsService
	Logger     *zap.Logger
}

// ManualRequestService runs the request/approve workflow for attendance
// that could not be captured biometrically.
type ManualRequestService struct {
	deps      ManualRequestDeps
	validator *validator.Validate
	grace     time.Duration
	loc       *time.Location
	now       func() time.Time
}

// NewManualRequestService constructs the service.
func NewManualRequestService(deps ManualRequestDeps, validate *validator.Validate, grace time.Duration, loc *time.Location) *ManualRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ManualRequestService{deps: deps, validator: validate, grace: grace, loc: loc, now: time.Now}
}

// Submit files a request for the caller's attendance in a session.
func (s *ManualRequestService) Submit(ctx context.Context, req models.SubmitManualRequest) (*models.ManualRequest, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid manual request payload")
	}
	identity, err := s.deps.Identities.FindByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no identity is linked to this account")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
	}
	session, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	key := models.AttendanceKey{IdentityID: identity.ID, SessionID: session.ID, Date: session.SessionDate}

	rec, err := s.deps.Records.FindByKey(ctx, key)
	switch {
	case err == nil:
		if err := CheckClockIn(rec); err != nil {
			return nil, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	mr := &models.ManualRequest{
		IdentityID:     identity.ID,
		SessionID:      session.ID,
		AttendanceDate: session.SessionDate,
		Reason:         req.Reason,
	}
	if err := s.deps.Requests.Create(ctx, mr); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, appErrors.ErrPendingRequest
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create manual request")
	}

	channels := []string{models.SessionChannel(session.ID)}
	if session.OwnerID != nil {
		channels = append(channels, models.OwnerChannel(*session.OwnerID))
	}
	s.publish(models.EventRequestSubmitted, mr, identity.FullName, channels...)
	return mr, nil
}

// Decide approves or rejects a pending request. Approval and the attendance
// correction commit together.
func (s *ManualRequestService) Decide(ctx context.Context, actor *models.JWTClaims, req models.DecideManualRequest) (*models.ManualRequest, error) {
	if actor == nil || actor.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.HasRole(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff may review manual requests")
	}
	req.Note = strings.TrimSpace(req.Note)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}

	existing, err := s.deps.Requests.FindByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "manual request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load manual request")
	}
	session, err := s.session(ctx, existing.SessionID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleTeacher && (session.OwnerID == nil || *session.OwnerID != actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another teacher's session")
	}
	start, err := session.StartsAt(s.loc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid session start")
	}
	grace := session.Grace(s.grace)

	var record *models.AttendanceRecord
	decided, err := s.deps.Requests.Decide(ctx, req.RequestID, func(tx *sqlx.Tx, mr *models.ManualRequest) error {
		if mr.Status != models.ManualRequestPending {
			return appErrors.WithDetails(appErrors.ErrRequestDecided, map[string]interface{}{"status": mr.Status})
		}
		at := s.now().UTC()
		mr.ReviewedBy = &actor.UserID
		mr.ReviewedAt = &at
		if req.Note != "" {
			note := req.Note
			mr.ReviewNote = &note
		}
		if !req.Approve {
			mr.Status = models.ManualRequestRejected
			return nil
		}
		mr.Status = models.ManualRequestApproved
		key := models.AttendanceKey{IdentityID: mr.IdentityID, SessionID: mr.SessionID, Date: mr.AttendanceDate}
		reason := "Manual request approved: " + mr.Reason
		rec, err := s.deps.Records.MutateTx(ctx, tx, key, true, func(r *models.AttendanceRecord) error {
			if r.CheckInTime != nil {
				return nil
			}
			return applyOverride(r, actor.UserID, reason, "", start.UTC(), start, grace)
		})
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		var appErr *appErrors.Error
		switch {
		case errors.As(err, &appErr):
			return nil, appErr
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "manual request not found")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decide manual request")
		}
	}

	action := models.AuditActionRequestReject
	result := "rejected"
	if req.Approve {
		action = models.AuditActionRequestApprove
		result = "approved"
	}
	s.deps.Metrics.ObserveAttendance("manual_request", result)
	s.writeAudit(ctx, actor.UserID, action, existing, decided, record)

	channels := []string{models.IdentityChannel(decided.IdentityID), models.SessionChannel(decided.SessionID)}
	if session.OwnerID != nil {
		channels = append(channels, models.OwnerChannel(*session.OwnerID))
	}
	s.publish(models.EventRequestDecided, decided, "", channels...)
	return decided, nil
}

// List returns requests visible to actor with queue statistics. Teachers
// only see requests for sessions they own.
func (s *ManualRequestService) List(ctx context.Context, actor *models.JWTClaims, filter models.ManualRequestFilter) ([]models.ManualRequestView, *models.Pagination, *models.ManualRequestStats, error) {
	if actor == nil || actor.UserID == "" {
		return nil, nil, nil, appErrors.ErrUnauthorized
	}
	if !actor.HasRole(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher) {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrForbidden, "only staff may list manual requests")
	}
	if actor.Role == models.RoleTeacher {
		filter.OwnerID = actor.UserID
	}
	rows, total, err := s.deps.Requests.List(ctx, filter)
	if err != nil {
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list manual requests")
	}
	if rows == nil {
		rows = []models.ManualRequestView{}
	}
	now := s.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	stats, err := s.deps.Requests.Stats(ctx, filter.OwnerID, midnight.UTC())
	if err != nil {
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load manual request stats")
	}
	page, size := models.Normalize(filter.Page, filter.PageSize, 100)
	return rows, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, stats, nil
}

func (s *ManualRequestService) session(ctx context.Context, id string) (*models.AttendanceSession, error) {
	session, err := s.deps.Sessions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

func (s *ManualRequestService) publish(event string, mr *models.ManualRequest, fullName string, channels ...string) {
	if s.deps.Notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"request_id":  mr.ID,
		"identity_id": mr.IdentityID,
		"session_id":  mr.SessionID,
		"status":      mr.Status,
		"reason":      mr.Reason,
	}
	if fullName != "" {
		payload["full_name"] = fullName
	}
	if mr.ReviewNote != nil {
		payload["review_note"] = *mr.ReviewNote
	}
	s.deps.Notifier.Publish(event, payload, channels...)
}

func (s *ManualRequestService) writeAudit(ctx context.Context, actorID, action string, before, after *models.ManualRequest, record *models.AttendanceRecord) {
	if s.deps.Audit == nil {
		return
	}
	entry := &models.AuditLog{UserID: &actorID, Action: action, Resource: "manual_request", ResourceID: &after.ID}
	entry.OldValues, _ = json.Marshal(before)
	entry.NewValues, _ = json.Marshal(map[string]interface{}{"request": after, "attendance": record})
	if err := s.deps.Audit.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.deps.Logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
