package models

import (
	"fmt"
	"time"
)

// AttendanceStatus represents the status for attendance records.
type AttendanceStatus string

const (
	AttendanceAbsent  AttendanceStatus = "ABSENT"
	AttendancePresent AttendanceStatus = "PRESENT"
	AttendanceLate    AttendanceStatus = "LATE"
	AttendanceExcused AttendanceStatus = "EXCUSED"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceAbsent, AttendancePresent, AttendanceLate, AttendanceExcused:
		return true
	default:
		return false
	}
}

// AttendanceSession is one scheduled class meeting. Times are wall-clock
// values on SessionDate in the configured timezone.
type AttendanceSession struct {
	ID              string    `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	CourseCode      string    `db:"course_code" json:"course_code"`
	SessionDate     time.Time `db:"session_date" json:"session_date"`
	StartTime       string    `db:"start_time" json:"start_time"`
	EndTime         string    `db:"end_time" json:"end_time"`
	ClockInOpensAt  string    `db:"clock_in_opens_at" json:"clock_in_opens_at"`
	ClockInClosesAt string    `db:"clock_in_closes_at" json:"clock_in_closes_at"`
	GraceMinutes    *int      `db:"grace_minutes" json:"grace_minutes,omitempty"`
	OwnerID         *string   `db:"owner_id" json:"owner_id,omitempty"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// At combines the session date with a wall-clock value such as "09:00:00".
func (s AttendanceSession) At(clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	var (
		t   time.Time
		err error
	)
	for _, layout := range []string{"15:04:05", "15:04:05.999999", "15:04"} {
		if t, err = time.Parse(layout, clock); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session time %q: %w", clock, err)
	}
	y, m, d := s.SessionDate.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, loc), nil
}

// StartsAt returns the session start instant.
func (s AttendanceSession) StartsAt(loc *time.Location) (time.Time, error) {
	return s.At(s.StartTime, loc)
}

// Grace returns the session's grace period, falling back to def.
func (s AttendanceSession) Grace(def time.Duration) time.Duration {
	if s.GraceMinutes != nil && *s.GraceMinutes >= 0 {
		return time.Duration(*s.GraceMinutes) * time.Minute
	}
	return def
}

// AttendanceKey identifies the single record per identity, session and day.
type AttendanceKey struct {
	IdentityID string
	SessionID  string
	Date       time.Time
}

// AttendanceRecord is the attendance row of an identity for a session day.
type AttendanceRecord struct {
	ID               string           `db:"id" json:"id"`
	IdentityID       string           `db:"identity_id" json:"identity_id"`
	SessionID        string           `db:"session_id" json:"session_id"`
	AttendanceDate   time.Time        `db:"attendance_date" json:"attendance_date"`
	Status           AttendanceStatus `db:"status" json:"status"`
	CheckInTime      *time.Time       `db:"check_in_time" json:"check_in_time,omitempty"`
	CheckOutTime     *time.Time       `db:"check_out_time" json:"check_out_time,omitempty"`
	Confidence       *float64         `db:"confidence" json:"confidence,omitempty"`
	SnapshotPath     *string          `db:"snapshot_path" json:"-"`
	IsManualOverride bool             `db:"is_manual_override" json:"is_manual_override"`
	OverrideReason   *string          `db:"override_reason" json:"override_reason,omitempty"`
	OverrideBy       *string          `db:"override_by" json:"override_by,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
	DeletedAt        *time.Time       `db:"deleted_at" json:"-"`
}

// RosterEntry is one identity's line on a session roster.
type RosterEntry struct {
	AttendanceRecord
	FullName    string `db:"full_name" json:"full_name"`
	ExternalRef string `db:"external_ref" json:"external_ref"`
}

// RosterSummary counts roster statuses.
type RosterSummary struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Excused int `json:"excused"`
	Absent  int `json:"absent"`
	Total   int `json:"total"`
}

// Roster is the attendance of a session day.
type Roster struct {
	Session *AttendanceSession `json:"session"`
	Date    time.Time          `json:"date"`
	Entries []RosterEntry      `json:"entries"`
	Summary RosterSummary      `json:"summary"`
}

// ClockInRequest is a biometric clock-in.
type ClockInRequest struct {
	UserID    string `json:"-" validate:"required"`
	SessionID string `json:"session_id" validate:"required,uuid"`
	Snapshot  string `json:"snapshot" validate:"required"`
}

// ClockOutRequest is a biometric clock-out.
type ClockOutRequest = ClockInRequest

// ClockResult is returned by clock-in and clock-out.
type ClockResult struct {
	RecordID     string           `json:"record_id"`
	Status       AttendanceStatus `json:"status"`
	CheckInTime  *time.Time       `json:"check_in_time,omitempty"`
	CheckOutTime *time.Time       `json:"check_out_time,omitempty"`
	Confidence   float64          `json:"confidence"`
	IsLate       bool             `json:"is_late"`
}

// OverrideRequest is a staff correction of an attendance record.
type OverrideRequest struct {
	IdentityID  string           `json:"identity_id" validate:"required,uuid"`
	SessionID   string           `json:"session_id" validate:"required,uuid"`
	Reason      string           `json:"reason" validate:"required,min=3,max=500"`
	CheckInTime *time.Time       `json:"check_in_time,omitempty"`
	Status      AttendanceStatus `json:"status,omitempty" validate:"omitempty,attendance_status"`
}

// AttendanceStatusView answers "where am I for this session".
type AttendanceStatusView struct {
	SessionID      string            `json:"session_id"`
	Record         *AttendanceRecord `json:"record,omitempty"`
	CanClockIn     bool              `json:"can_clock_in"`
	CanClockOut    bool              `json:"can_clock_out"`
	WindowOpen     bool              `json:"window_open"`
	PendingRequest *ManualRequest    `json:"pending_request,omitempty"`
}
