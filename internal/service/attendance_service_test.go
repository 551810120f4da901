package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/export"
)

const (
	testSessionID = "6f1c2b1e-3a0d-4c55-9a57-1d6f2d1a9b01"
	testIdentity  = "8d7a6c52-1b7f-4e0a-a2a8-57b0a1f0c3d2"
)

func TestClassifyCheckIn(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	grace := 10 * time.Minute
	cases := []struct {
		at   time.Time
		want models.AttendanceStatus
	}{
		{at: start.Add(-5 * time.Minute), want: models.AttendancePresent},
		{at: start.Add(9 * time.Minute), want: models.AttendancePresent},
		{at: start.Add(10 * time.Minute), want: models.AttendancePresent},
		{at: start.Add(10*time.Minute + time.Second), want: models.AttendanceLate},
		{at: start.Add(11 * time.Minute), want: models.AttendanceLate},
	}
	for _, tc := range cases {
		t.Run(tc.at.Format("15:04:05"), func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyCheckIn(start, grace, tc.at))
		})
	}
}

func TestCheckClockOutRules(t *testing.T) {
	in := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	out := in.Add(time.Hour)

	assert.ErrorIs(t, CheckClockOut(nil, out), appErrors.ErrNoPriorCheckIn)
	assert.ErrorIs(t, CheckClockOut(&models.AttendanceRecord{}, out), appErrors.ErrNoPriorCheckIn)
	assert.ErrorIs(t, CheckClockOut(&models.AttendanceRecord{CheckInTime: &in}, in), appErrors.ErrInvalidCheckOut)
	assert.ErrorIs(t, CheckClockOut(&models.AttendanceRecord{CheckInTime: &in, CheckOutTime: &out}, out.Add(time.Minute)), appErrors.ErrAlreadyClockedOut)
	assert.NoError(t, CheckClockOut(&models.AttendanceRecord{CheckInTime: &in}, out))
}

func TestCheckWindowBoundsAreInclusive(t *testing.T) {
	session := &models.AttendanceSession{
		SessionDate:     time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		ClockInOpensAt:  "08:30:00",
		ClockInClosesAt: "09:30:00",
	}
	at := func(h, m, s int) time.Time { return time.Date(2026, 3, 2, h, m, s, 0, time.UTC) }

	assert.NoError(t, CheckWindow(session, at(8, 30, 0), time.UTC))
	assert.NoError(t, CheckWindow(session, at(9, 30, 0), time.UTC))
	err := CheckWindow(session, at(9, 30, 1), time.UTC)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrWindowClosed)
	assert.Contains(t, appErrors.FromError(err).Details, "opens_at")
	assert.ErrorIs(t, CheckWindow(session, at(8, 29, 59), time.UTC), appErrors.ErrWindowClosed)
}

type attendanceFixture struct {
	svc      *AttendanceService
	records  *fakeRecords
	verifier *fakeVerifier
	notifier *fakeNotifier
	audit    *fakeAudit
	blobs    *fakeBlobs
	clock    time.Time
}

func newAttendanceFixture(t *testing.T) *attendanceFixture {
	t.Helper()
	userID := "user-1"
	owner := "teacher-1"
	f := &attendanceFixture{
		records:  newFakeRecords(),
		verifier: &fakeVerifier{result: &models.VerificationResult{Verified: true, Similarity: 0.91, Threshold: 0.6, Outcome: "SINGLE_FACE"}},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		blobs:    &fakeBlobs{},
		clock:    time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC),
	}
	sessions := &fakeSessions{byID: map[string]*models.AttendanceSession{
		testSessionID: {
			ID:              testSessionID,
			Title:           "Algorithms",
			CourseCode:      "CS201",
			SessionDate:     time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			StartTime:       "09:00:00",
			EndTime:         "10:40:00",
			ClockInOpensAt:  "08:30:00",
			ClockInClosesAt: "09:30:00",
			OwnerID:         &owner,
			Active:          true,
		},
	}}
	identities := newFakeIdentities(&models.Identity{ID: testIdentity, UserID: &userID, FullName: "Ana Putri", Active: true})
	f.svc = NewAttendanceService(AttendanceDeps{
		Sessions:   sessions,
		Identities: identities,
		Records:    f.records,
		Verifier:   f.verifier,
		Storage:    f.blobs,
		Notifier:   f.notifier,
		Audit:      f.audit,
		Exporter:   export.NewExporter(),
		Logger:     zap.NewNop(),
	}, validator.New(), AttendanceConfig{GracePeriod: 10 * time.Minute, Location: time.UTC, EnforceWindow: true, KeepSnapshots: true})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *attendanceFixture) clockIn(t *testing.T) (*models.ClockResult, error) {
	return f.svc.ClockIn(context.Background(), models.ClockInRequest{UserID: "user-1", SessionID: testSessionID, Snapshot: testSnapshot(t)})
}

func (f *attendanceFixture) clockOut(t *testing.T) (*models.ClockResult, error) {
	return f.svc.ClockOut(context.Background(), models.ClockOutRequest{UserID: "user-1", SessionID: testSessionID, Snapshot: testSnapshot(t)})
}

func TestClockInRecordsPresent(t *testing.T) {
	f := newAttendanceFixture(t)

	result, err := f.clockIn(t)
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePresent, result.Status)
	assert.False(t, result.IsLate)
	assert.Equal(t, 0.91, result.Confidence)
	require.NotNil(t, result.CheckInTime)
	assert.True(t, result.CheckInTime.Equal(f.clock))

	assert.Equal(t, "snapshots/"+testSessionID+"/"+result.RecordID+"-in.jpg", f.records.snapped[result.RecordID])
	assert.Equal(t, []string{models.EventClockIn}, f.notifier.types())
	assert.ElementsMatch(t, []string{
		models.SessionChannel(testSessionID),
		models.IdentityChannel(testIdentity),
		models.OwnerChannel("teacher-1"),
	}, f.notifier.events[0].Channels)
}

func TestClockInLate(t *testing.T) {
	f := newAttendanceFixture(t)
	f.clock = time.Date(2026, 3, 2, 9, 10, 1, 0, time.UTC)

	result, err := f.clockIn(t)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceLate, result.Status)
	assert.True(t, result.IsLate)
}

func TestClockInTwiceIsRejected(t *testing.T) {
	f := newAttendanceFixture(t)
	_, err := f.clockIn(t)
	require.NoError(t, err)

	_, err = f.clockIn(t)
	assert.ErrorIs(t, err, appErrors.ErrAlreadyClockedIn)
	assert.Len(t, f.records.rows, 1)
}

func TestConcurrentClockInsYieldOneRecord(t *testing.T) {
	f := newAttendanceFixture(t)
	snapshot := testSnapshot(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ClockIn(context.Background(), models.ClockInRequest{UserID: "user-1", SessionID: testSessionID, Snapshot: snapshot})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case appErrors.FromError(err).Code == appErrors.ErrAlreadyClockedIn.Code:
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dups)
	assert.Len(t, f.records.rows, 1)
}

func TestClockInVerificationFailed(t *testing.T) {
	f := newAttendanceFixture(t)
	f.verifier.result = &models.VerificationResult{Verified: false, Similarity: 0.31, Threshold: 0.6, Outcome: "SINGLE_FACE", Message: "face does not match the enrolled identity"}

	_, err := f.clockIn(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrVerificationFailed)
	assert.Equal(t, 0.31, appErrors.FromError(err).Details["confidence"])
	assert.Empty(t, f.records.rows)
	assert.Empty(t, f.notifier.types())
}

func TestClockInOutsideWindow(t *testing.T) {
	f := newAttendanceFixture(t)
	f.clock = time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)

	_, err := f.clockIn(t)
	assert.ErrorIs(t, err, appErrors.ErrWindowClosed)
	assert.Zero(t, f.verifier.calls)
}

func TestClockInWithoutLinkedIdentity(t *testing.T) {
	f := newAttendanceFixture(t)
	_, err := f.svc.ClockIn(context.Background(), models.ClockInRequest{UserID: "stranger", SessionID: testSessionID, Snapshot: testSnapshot(t)})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestClockOutWithoutCheckInCreatesNothing(t *testing.T) {
	f := newAttendanceFixture(t)

	_, err := f.clockOut(t)
	assert.ErrorIs(t, err, appErrors.ErrNoPriorCheckIn)
	assert.Empty(t, f.records.rows)
}

func TestClockOutAfterClockIn(t *testing.T) {
	f := newAttendanceFixture(t)
	_, err := f.clockIn(t)
	require.NoError(t, err)

	f.clock = f.clock.Add(95 * time.Minute)
	result, err := f.clockOut(t)
	require.NoError(t, err)
	require.NotNil(t, result.CheckOutTime)
	assert.True(t, result.CheckOutTime.After(*result.CheckInTime))

	_, err = f.clockOut(t)
	assert.ErrorIs(t, err, appErrors.ErrAlreadyClockedOut)
	assert.Equal(t, []string{models.EventClockIn, models.EventClockOut}, f.notifier.types())
}

func TestOverrideRequiresStaff(t *testing.T) {
	f := newAttendanceFixture(t)
	req := models.OverrideRequest{IdentityID: testIdentity, SessionID: testSessionID, Reason: "camera broken"}

	_, err := f.svc.Override(context.Background(), nil, req)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Override(context.Background(), &models.JWTClaims{UserID: "user-1", Role: models.RoleStudent}, req)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	req.Reason = ""
	_, err = f.svc.Override(context.Background(), &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}, req)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestOverrideLimitsTeachersToOwnSessions(t *testing.T) {
	f := newAttendanceFixture(t)
	req := models.OverrideRequest{IdentityID: testIdentity, SessionID: testSessionID, Status: models.AttendanceExcused, Reason: "medical note"}

	_, err := f.svc.Override(context.Background(), &models.JWTClaims{UserID: "teacher-9", Role: models.RoleTeacher}, req)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Empty(t, f.audit.entries)

	rec, err := f.svc.Override(context.Background(), &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}, req)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceExcused, rec.Status)
}

func TestOverrideRecomputesLateness(t *testing.T) {
	f := newAttendanceFixture(t)
	actor := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	late := time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC)

	rec, err := f.svc.Override(context.Background(), actor, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "network outage", CheckInTime: &late,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceLate, rec.Status)
	assert.True(t, rec.IsManualOverride)
	require.NotNil(t, rec.OverrideBy)
	assert.Equal(t, "teacher-1", *rec.OverrideBy)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditActionAttendanceOverride, f.audit.entries[0].Action)
	assert.Equal(t, []string{models.EventOverride}, f.notifier.types())

	onTime := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	rec, err = f.svc.Override(context.Background(), actor, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "network outage", CheckInTime: &onTime,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendancePresent, rec.Status)
	assert.Len(t, f.records.rows, 1)
}

func TestOverrideExcusedAndAbsent(t *testing.T) {
	f := newAttendanceFixture(t)
	actor := &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
	_, err := f.clockIn(t)
	require.NoError(t, err)

	rec, err := f.svc.Override(context.Background(), actor, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "medical leave", Status: "excused",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceExcused, rec.Status)

	rec, err = f.svc.Override(context.Background(), actor, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "left before roll call", Status: models.AttendanceAbsent,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, rec.Status)
	assert.Nil(t, rec.CheckInTime)

	_, err = f.svc.Override(context.Background(), actor, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "typo", Status: "HOLIDAY",
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestOverrideCannotMoveCheckInPastCheckOut(t *testing.T) {
	f := newAttendanceFixture(t)
	_, err := f.clockIn(t)
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Hour)
	_, err = f.clockOut(t)
	require.NoError(t, err)

	after := f.clock.Add(time.Minute)
	_, err = f.svc.Override(context.Background(), &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}, models.OverrideRequest{
		IdentityID: testIdentity, SessionID: testSessionID, Reason: "wrong time", CheckInTime: &after,
	})
	assert.ErrorIs(t, err, appErrors.ErrInvalidCheckOut)
}

func TestAttendanceStatusView(t *testing.T) {
	f := newAttendanceFixture(t)

	view, err := f.svc.Status(context.Background(), "user-1", testSessionID)
	require.NoError(t, err)
	assert.True(t, view.CanClockIn)
	assert.False(t, view.CanClockOut)
	assert.True(t, view.WindowOpen)

	_, err = f.clockIn(t)
	require.NoError(t, err)
	view, err = f.svc.Status(context.Background(), "user-1", testSessionID)
	require.NoError(t, err)
	assert.False(t, view.CanClockIn)
	assert.True(t, view.CanClockOut)
	require.NotNil(t, view.Record)
}

func TestSessionRosterAndExport(t *testing.T) {
	f := newAttendanceFixture(t)
	in := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	f.records.roster = []models.RosterEntry{
		{AttendanceRecord: models.AttendanceRecord{Status: models.AttendancePresent, CheckInTime: &in}, FullName: "Ana Putri", ExternalRef: "S-001"},
		{AttendanceRecord: models.AttendanceRecord{Status: models.AttendanceLate}, FullName: "Budi Santoso", ExternalRef: "S-002"},
		{AttendanceRecord: models.AttendanceRecord{Status: models.AttendanceAbsent}, FullName: "Citra Lestari", ExternalRef: "S-003"},
	}

	roster, err := f.svc.SessionRoster(context.Background(), testSessionID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, roster.Summary.Total)
	assert.Equal(t, 1, roster.Summary.Present)
	assert.Equal(t, 1, roster.Summary.Late)
	assert.Equal(t, 1, roster.Summary.Absent)
	assert.Equal(t, "2026-03-02", roster.Date.Format("2006-01-02"))

	data, filename, err := f.svc.ExportRoster(context.Background(), testSessionID, time.Time{}, export.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "attendance-CS201-2026-03-02.csv", filename)
	assert.Contains(t, string(data), "Ana Putri")
	assert.Contains(t, string(data), "09:01:00")

	_, err = f.svc.SessionRoster(context.Background(), "missing", time.Time{})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
