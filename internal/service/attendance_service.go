package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/media"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/repository"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/export"
)

type sessionReader interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceSession, error)
}

type attendanceStore interface {
	Mutate(ctx context.Context, key models.AttendanceKey, create bool, fn repository.RecordMutator) (*models.AttendanceRecord, error)
	MutateTx(ctx context.Context, tx *sqlx.Tx, key models.AttendanceKey, create bool, fn repository.RecordMutator) (*models.AttendanceRecord, error)
	FindByKey(ctx context.Context, key models.AttendanceKey) (*models.AttendanceRecord, error)
	Roster(ctx context.Context, sessionID string, date time.Time) ([]models.RosterEntry, error)
	SetSnapshot(ctx context.Context, recordID, path string) error
}

type pendingRequestReader interface {
	FindPending(ctx context.Context, key models.AttendanceKey) (*models.ManualRequest, error)
}

type faceVerifier interface {
	VerifyImage(ctx context.Context, identityID string, img image.Image) (*models.VerificationResult, error)
}

type notifier interface {
	Publish(eventType string, payload map[string]interface{}, channels ...string)
}

type rosterRenderer interface {
	Render(format export.Format, data export.Dataset) ([]byte, error)
}

// AttendanceConfig governs lateness and windows.
type AttendanceConfig struct {
	GracePeriod   time.Duration
	Location      *time.Location
	EnforceWindow bool
	KeepSnapshots bool
}

// AttendanceDeps groups the collaborators of AttendanceService.
type AttendanceDeps struct {
	Sessions   sessionReader
	Identities identityStore
	Records    attendanceStore
	Requests   pendingRequestReader
	Verifier   faceVerifier
	Storage    blobStore
	Notifier   notifier
	Audit      auditWriter
	Exporter   rosterRenderer
	Metrics    *MetricsService
	Logger     *zap.Logger
}

// AttendanceService turns verification decisions into attendance transitions.
type AttendanceService struct {
	deps      AttendanceDeps
	cfg       AttendanceConfig
	validator *validator.Validate
	now       func() time.Time
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(deps AttendanceDeps, validate *validator.Validate, cfg AttendanceConfig) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	svc := &AttendanceService{deps: deps, cfg: cfg, validator: validate, now: time.Now}
	_ = svc.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		status := models.AttendanceStatus(strings.ToUpper(fl.Field().String()))
		return status.Valid()
	})
	return svc
}

// ClockIn verifies the caller's face and records their arrival.
func (s *AttendanceService) ClockIn(ctx context.Context, req models.ClockInRequest) (*models.ClockResult, error) {
	identity, session, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.cfg.Location)
	if s.cfg.EnforceWindow {
		if err := CheckWindow(session, now, s.cfg.Location); err != nil {
			s.deps.Metrics.ObserveAttendance("clock_in", "window_closed")
			return nil, err
		}
	}
	verification, raw, err := s.verify(ctx, identity.ID, req.Snapshot)
	if err != nil {
		s.deps.Metrics.ObserveAttendance("clock_in", "unverified")
		return nil, err
	}

	start, err := session.StartsAt(s.cfg.Location)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid session start")
	}
	grace := session.Grace(s.cfg.GracePeriod)
	key := models.AttendanceKey{IdentityID: identity.ID, SessionID: session.ID, Date: session.SessionDate}

	rec, err := s.deps.Records.Mutate(ctx, key, true, func(r *models.AttendanceRecord) error {
		if err := CheckClockIn(r); err != nil {
			return err
		}
		at := now.UTC()
		confidence := verification.Similarity
		r.CheckInTime = &at
		r.Confidence = &confidence
		r.Status = ClassifyCheckIn(start, grace, now)
		return nil
	})
	if err != nil {
		s.deps.Metrics.ObserveAttendance("clock_in", "rejected")
		return nil, s.mapRecordError(err, "failed to record clock-in")
	}
	s.deps.Metrics.ObserveAttendance("clock_in", "ok")

	s.storeSnapshot(ctx, rec, raw, "in")
	s.notify(models.EventClockIn, session, rec)
	s.deps.Logger.Info("clock-in recorded",
		zap.String("identity_id", identity.ID),
		zap.String("session_id", session.ID),
		zap.String("status", string(rec.Status)),
	)
	return &models.ClockResult{
		RecordID:    rec.ID,
		Status:      rec.Status,
		CheckInTime: rec.CheckInTime,
		Confidence:  verification.Similarity,
		IsLate:      rec.Status == models.AttendanceLate,
	}, nil
}

// ClockOut verifies the caller's face and records their departure. It never
// creates a record.
func (s *AttendanceService) ClockOut(ctx context.Context, req models.ClockOutRequest) (*models.ClockResult, error) {
	identity, session, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	verification, raw, err := s.verify(ctx, identity.ID, req.Snapshot)
	if err != nil {
		s.deps.Metrics.ObserveAttendance("clock_out", "unverified")
		return nil, err
	}
	now := s.now().UTC()
	key := models.AttendanceKey{IdentityID: identity.ID, SessionID: session.ID, Date: session.SessionDate}

	rec, err := s.deps.Records.Mutate(ctx, key, false, func(r *models.AttendanceRecord) error {
		if err := CheckClockOut(r, now); err != nil {
			return err
		}
		at := now
		r.CheckOutTime = &at
		return nil
	})
	if err != nil {
		s.deps.Metrics.ObserveAttendance("clock_out", "rejected")
		return nil, s.mapRecordError(err, "failed to record clock-out")
	}
	s.deps.Metrics.ObserveAttendance("clock_out", "ok")

	s.storeSnapshot(ctx, rec, raw, "out")
	s.notify(models.EventClockOut, session, rec)
	return &models.ClockResult{
		RecordID:     rec.ID,
		Status:       rec.Status,
		CheckInTime:  rec.CheckInTime,
		CheckOutTime: rec.CheckOutTime,
		Confidence:   verification.Similarity,
		IsLate:       rec.Status == models.AttendanceLate,
	}, nil
}

// Override lets staff correct a record without a biometric check.
func (s *AttendanceService) Override(ctx context.Context, actor *models.JWTClaims, req models.OverrideRequest) (*models.AttendanceRecord, error) {
	if actor == nil || actor.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.HasRole(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff may override attendance")
	}
	req.Status = models.AttendanceStatus(strings.ToUpper(string(req.Status)))
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid override payload")
	}
	session, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleTeacher && (session.OwnerID == nil || *session.OwnerID != actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session belongs to another teacher")
	}
	if _, err := s.deps.Identities.FindByID(ctx, req.IdentityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "identity not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
	}
	start, err := session.StartsAt(s.cfg.Location)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid session start")
	}
	checkIn := s.now().UTC()
	if req.CheckInTime != nil {
		checkIn = req.CheckInTime.UTC()
	}
	grace := session.Grace(s.cfg.GracePeriod)
	key := models.AttendanceKey{IdentityID: req.IdentityID, SessionID: session.ID, Date: session.SessionDate}

	var before models.AttendanceRecord
	rec, err := s.deps.Records.Mutate(ctx, key, true, func(r *models.AttendanceRecord) error {
		before = *r
		return applyOverride(r, actor.UserID, req.Reason, req.Status, checkIn, start, grace)
	})
	if err != nil {
		return nil, s.mapRecordError(err, "failed to override attendance")
	}
	s.deps.Metrics.ObserveAttendance("override", "ok")

	s.writeAudit(ctx, actor.UserID, models.AuditActionAttendanceOverride, rec.ID, before, rec)
	s.notify(models.EventOverride, session, rec)
	return rec, nil
}

// applyOverride rewrites r as a manual correction. EXCUSED and ABSENT are
// taken as given; any other status is recomputed from checkIn.
func applyOverride(r *models.AttendanceRecord, actorID, reason string, status models.AttendanceStatus, checkIn, start time.Time, grace time.Duration) error {
	switch status {
	case models.AttendanceExcused:
		r.Status = models.AttendanceExcused
	case models.AttendanceAbsent:
		r.Status = models.AttendanceAbsent
		r.CheckInTime = nil
		r.CheckOutTime = nil
	default:
		if r.CheckOutTime != nil && !r.CheckOutTime.After(checkIn) {
			return appErrors.Clone(appErrors.ErrInvalidCheckOut, "override check-in must precede the recorded check-out")
		}
		at := checkIn
		r.CheckInTime = &at
		r.Status = ClassifyCheckIn(start, grace, checkIn)
	}
	r.IsManualOverride = true
	r.OverrideReason = &reason
	r.OverrideBy = &actorID
	return nil
}

// Status reports the caller's record for a session and what they may do next.
func (s *AttendanceService) Status(ctx context.Context, userID, sessionID string) (*models.AttendanceStatusView, error) {
	identity, err := s.identityForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := models.AttendanceKey{IdentityID: identity.ID, SessionID: session.ID, Date: session.SessionDate}
	view := &models.AttendanceStatusView{SessionID: session.ID}

	rec, err := s.deps.Records.FindByKey(ctx, key)
	switch {
	case err == nil:
		view.Record = rec
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	if s.deps.Requests != nil {
		pending, err := s.deps.Requests.FindPending(ctx, key)
		switch {
		case err == nil:
			view.PendingRequest = pending
		case !errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load manual requests")
		}
	}

	view.WindowOpen = CheckWindow(session, s.now().In(s.cfg.Location), s.cfg.Location) == nil
	checkedIn := rec != nil && rec.CheckInTime != nil
	view.CanClockIn = !checkedIn && (view.WindowOpen || !s.cfg.EnforceWindow)
	view.CanClockOut = checkedIn && rec.CheckOutTime == nil
	return view, nil
}

// SessionRoster lists the attendance of a session. A zero date means the
// session's own date.
func (s *AttendanceService) SessionRoster(ctx context.Context, sessionID string, date time.Time) (*models.Roster, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = session.SessionDate
	}
	entries, err := s.deps.Records.Roster(ctx, session.ID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	if entries == nil {
		entries = []models.RosterEntry{}
	}
	roster := &models.Roster{Session: session, Date: date, Entries: entries}
	for _, e := range entries {
		switch e.Status {
		case models.AttendancePresent:
			roster.Summary.Present++
		case models.AttendanceLate:
			roster.Summary.Late++
		case models.AttendanceExcused:
			roster.Summary.Excused++
		default:
			roster.Summary.Absent++
		}
	}
	roster.Summary.Total = len(entries)
	return roster, nil
}

// ExportRoster renders the session roster as CSV or PDF.
func (s *AttendanceService) ExportRoster(ctx context.Context, sessionID string, date time.Time, format export.Format) ([]byte, string, error) {
	roster, err := s.SessionRoster(ctx, sessionID, date)
	if err != nil {
		return nil, "", err
	}
	if s.deps.Exporter == nil {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, "export unavailable")
	}
	data, err := s.deps.Exporter.Render(format, rosterDataset(roster, s.cfg.Location))
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster")
	}
	filename := fmt.Sprintf("attendance-%s-%s.%s", roster.Session.CourseCode, roster.Date.Format("2006-01-02"), format)
	return data, filename, nil
}

func rosterDataset(r *models.Roster, loc *time.Location) export.Dataset {
	clock := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.In(loc).Format("15:04:05")
	}
	rows := make([]map[string]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		row := map[string]string{
			"Ref":       e.ExternalRef,
			"Name":      e.FullName,
			"Status":    string(e.Status),
			"Check-in":  clock(e.CheckInTime),
			"Check-out": clock(e.CheckOutTime),
			"Manual":    "",
		}
		if e.IsManualOverride {
			row["Manual"] = "yes"
		}
		if e.Confidence != nil {
			row["Confidence"] = fmt.Sprintf("%.3f", *e.Confidence)
		}
		rows = append(rows, row)
	}
	return export.Dataset{
		Title: fmt.Sprintf("%s %s, %s", r.Session.CourseCode, r.Session.Title, r.Date.Format("2006-01-02")),
		Summary: []string{
			fmt.Sprintf("Present: %d", r.Summary.Present),
			fmt.Sprintf("Late: %d", r.Summary.Late),
			fmt.Sprintf("Excused: %d", r.Summary.Excused),
			fmt.Sprintf("Absent: %d", r.Summary.Absent),
		},
		Headers: []string{"Ref", "Name", "Status", "Check-in", "Check-out", "Confidence", "Manual"},
		Rows:    rows,
	}
}

func (s *AttendanceService) resolve(ctx context.Context, req models.ClockInRequest) (*models.Identity, *models.AttendanceSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	identity, err := s.identityForUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return identity, session, nil
}

func (s *AttendanceService) identityForUser(ctx context.Context, userID string) (*models.Identity, error) {
	identity, err := s.deps.Identities.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no identity is linked to this account")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
	}
	return identity, nil
}

func (s *AttendanceService) session(ctx context.Context, id string) (*models.AttendanceSession, error) {
	session, err := s.deps.Sessions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// verify runs outside any transaction. A rejected face is reported as
// VERIFICATION_FAILED with the outcome attached.
func (s *AttendanceService) verify(ctx context.Context, identityID, snapshot string) (*models.VerificationResult, []byte, error) {
	img, raw, err := media.DecodeSnapshot(snapshot)
	if err != nil {
		return nil, nil, appErrors.WrapAs(err, appErrors.ErrInput, "snapshot is not a decodable image")
	}
	result, err := s.deps.Verifier.VerifyImage(ctx, identityID, img)
	if err != nil {
		return nil, nil, err
	}
	if !result.Verified {
		return nil, nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrVerificationFailed, result.Message), map[string]interface{}{
			"outcome":    result.Outcome,
			"confidence": result.Similarity,
			"threshold":  result.Threshold,
		})
	}
	return result, raw, nil
}

func (s *AttendanceService) mapRecordError(err error, message string) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrNoPriorCheckIn
	case repository.IsCheckViolation(err):
		return appErrors.WrapAs(err, appErrors.ErrInvalidCheckOut, "")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}

func (s *AttendanceService) storeSnapshot(ctx context.Context, rec *models.AttendanceRecord, raw []byte, direction string) {
	if !s.cfg.KeepSnapshots || s.deps.Storage == nil || len(raw) == 0 {
		return
	}
	rel := fmt.Sprintf("snapshots/%s/%s-%s.jpg", rec.SessionID, rec.ID, direction)
	if _, err := s.deps.Storage.Save(rel, raw); err != nil {
		s.deps.Logger.Warn("snapshot save failed", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}
	if err := s.deps.Records.SetSnapshot(context.WithoutCancel(ctx), rec.ID, rel); err != nil {
		s.deps.Logger.Warn("snapshot path update failed", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}
	rec.SnapshotPath = &rel
}

func (s *AttendanceService) notify(event string, session *models.AttendanceSession, rec *models.AttendanceRecord) {
	if s.deps.Notifier == nil {
		return
	}
	channels := []string{models.SessionChannel(session.ID), models.IdentityChannel(rec.IdentityID)}
	if session.OwnerID != nil {
		channels = append(channels, models.OwnerChannel(*session.OwnerID))
	}
	s.deps.Notifier.Publish(event, map[string]interface{}{
		"record_id":          rec.ID,
		"identity_id":        rec.IdentityID,
		"session_id":         rec.SessionID,
		"status":             rec.Status,
		"check_in_time":      rec.CheckInTime,
		"check_out_time":     rec.CheckOutTime,
		"is_manual_override": rec.IsManualOverride,
	}, channels...)
}

func (s *AttendanceService) writeAudit(ctx context.Context, actorID, action, resourceID string, before, after interface{}) {
	if s.deps.Audit == nil {
		return
	}
	entry := &models.AuditLog{UserID: &actorID, Action: action, Resource: "attendance_record", ResourceID: &resourceID}
	entry.OldValues, _ = json.Marshal(before)
	entry.NewValues, _ = json.Marshal(after)
	if err := s.deps.Audit.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.deps.Logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
