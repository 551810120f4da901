package service

import (
	"time"

	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

// ClassifyCheckIn returns LATE only when checkIn is strictly after the end of
// the grace period. Arriving exactly at start+grace is PRESENT.
func ClassifyCheckIn(sessionStart time.Time, grace time.Duration, checkIn time.Time) models.AttendanceStatus {
	if checkIn.After(sessionStart.Add(grace)) {
		return models.AttendanceLate
	}
	return models.AttendancePresent
}

// CheckClockIn rejects a second check-in for the same record.
func CheckClockIn(rec *models.AttendanceRecord) error {
	if rec != nil && rec.CheckInTime != nil {
		return appErrors.WithDetails(appErrors.ErrAlreadyClockedIn, map[string]interface{}{
			"check_in_time": rec.CheckInTime.UTC(),
		})
	}
	return nil
}

// CheckClockOut validates a clock-out at the given instant.
func CheckClockOut(rec *models.AttendanceRecord, at time.Time) error {
	switch {
	case rec == nil || rec.CheckInTime == nil:
		return appErrors.ErrNoPriorCheckIn
	case rec.CheckOutTime != nil:
		return appErrors.WithDetails(appErrors.ErrAlreadyClockedOut, map[string]interface{}{
			"check_out_time": rec.CheckOutTime.UTC(),
		})
	case !at.After(*rec.CheckInTime):
		return appErrors.ErrInvalidCheckOut
	}
	return nil
}

// CheckWindow rejects a clock-in outside the session's clock-in window. Both
// bounds are inclusive.
func CheckWindow(session *models.AttendanceSession, at time.Time, loc *time.Location) error {
	opens, err := session.At(session.ClockInOpensAt, loc)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid session window")
	}
	closes, err := session.At(session.ClockInClosesAt, loc)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid session window")
	}
	if at.Before(opens) || at.After(closes) {
		return appErrors.WithDetails(appErrors.ErrWindowClosed, map[string]interface{}{
			"opens_at":  opens,
			"closes_at": closes,
		})
	}
	return nil
}
