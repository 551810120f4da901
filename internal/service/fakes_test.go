package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/face"
	"github.com/noah-isme/faceattend-api/internal/media"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/repository"
)

func testImage(shade uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	return img
}

func testSnapshot(t *testing.T) string {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, testImage(120)))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

var oneFace = []face.Detection{{Box: image.Rect(8, 8, 56, 56), Confidence: 0.93, Quality: 0.8}}

type fakeProvider struct {
	mu          sync.Mutex
	detections  []face.Detection
	faceless    map[interface{}]bool
	embedding   []float32
	detectErr   error
	embedErr    error
	detectCalls int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) DetectFaces(ctx context.Context, img image.Image) ([]face.Detection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detectCalls++
	if p.detectErr != nil {
		return nil, p.detectErr
	}
	if p.faceless[img] {
		return nil, nil
	}
	return append([]face.Detection(nil), p.detections...), nil
}

func (p *fakeProvider) ExtractEmbedding(ctx context.Context, crop image.Image) ([]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	return append([]float32(nil), p.embedding...), nil
}

type fakeMatcher struct {
	similarity float64
	err        error
	removeErr  error
	matched    []string
	indexed    []string
	removed    []string
}

func (m *fakeMatcher) Match(ctx context.Context, img image.Image, externalID string) (float64, error) {
	m.matched = append(m.matched, externalID)
	return m.similarity, m.err
}

func (m *fakeMatcher) Index(ctx context.Context, img image.Image, externalID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.indexed = append(m.indexed, externalID)
	return fmt.Sprintf("face-%d", len(m.indexed)), nil
}

func (m *fakeMatcher) Remove(ctx context.Context, faceID string) error {
	m.removed = append(m.removed, faceID)
	return m.removeErr
}

type fakeIdentities struct {
	byID map[string]*models.Identity
}

func newFakeIdentities(ids ...*models.Identity) *fakeIdentities {
	f := &fakeIdentities{byID: map[string]*models.Identity{}}
	for _, id := range ids {
		f.byID[id.ID] = id
	}
	return f
}

func (f *fakeIdentities) FindByID(ctx context.Context, id string) (*models.Identity, error) {
	if i, ok := f.byID[id]; ok {
		return i, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeIdentities) FindByUserID(ctx context.Context, userID string) (*models.Identity, error) {
	for _, i := range f.byID {
		if i.UserID != nil && *i.UserID == userID {
			return i, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeIdentities) Names(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if i, ok := f.byID[id]; ok {
			out[id] = i.FullName
		}
	}
	return out, nil
}

func (f *fakeIdentities) CountActive(ctx context.Context) (int, error) {
	return len(f.byID), nil
}

type fakeEnrollments struct {
	mu           sync.Mutex
	active       map[string]*models.FaceEnrollment
	supersedeErr error
	findErr      error
	stored       []*models.FaceEnrollment
}

func newFakeEnrollments() *fakeEnrollments {
	return &fakeEnrollments{active: map[string]*models.FaceEnrollment{}}
}

func (f *fakeEnrollments) put(identityID string, vec []float32) {
	f.active[identityID] = &models.FaceEnrollment{
		ID:         "enr-" + identityID,
		IdentityID: identityID,
		Embedding:  biometric.Encode(vec),
		Dimension:  len(vec),
		IsActive:   true,
	}
}

func (f *fakeEnrollments) FindActive(ctx context.Context, identityID string) (*models.FaceEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if e, ok := f.active[identityID]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollments) Supersede(ctx context.Context, e *models.FaceEnrollment, vec []float32) (models.Supersession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.supersedeErr != nil {
		return models.Supersession{}, f.supersedeErr
	}
	prior, existed := f.active[e.IdentityID]
	out := models.Supersession{Created: !existed}
	if existed {
		prior.IsActive = false
		out.PriorExternalFaceID = prior.ExternalFaceID
	}
	e.IsActive = true
	f.active[e.IdentityID] = e
	f.stored = append(f.stored, e)
	return out, nil
}

func (f *fakeEnrollments) Deactivate(ctx context.Context, identityID string) (*models.FaceEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.active[identityID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	delete(f.active, identityID)
	e.IsActive = false
	return e, nil
}

func (f *fakeEnrollments) Statistics(ctx context.Context, recent int) (int, float64, []models.RecentEnrollment, error) {
	return len(f.active), 0.8, nil, nil
}

func (f *fakeEnrollments) ForEachActive(ctx context.Context, exclude string, fn func(models.ActiveEmbedding) error) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if id == exclude {
			continue
		}
		e := f.active[id]
		if err := fn(models.ActiveEmbedding{IdentityID: id, Embedding: e.Embedding, ExternalFaceID: e.ExternalFaceID}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEnrollments) Nearest(ctx context.Context, vec []float32, limit int) ([]repository.NearestRow, error) {
	var rows []repository.NearestRow
	_ = f.ForEachActive(ctx, "", func(row models.ActiveEmbedding) error {
		stored, err := biometric.Decode(row.Embedding)
		if err != nil {
			return nil
		}
		rows = append(rows, repository.NearestRow{IdentityID: row.IdentityID, Similarity: biometric.Cosine(vec, stored)})
		return nil
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].Similarity > rows[j].Similarity })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type fakeAttempts struct {
	mu      sync.Mutex
	created []models.EnrollmentAttempt
}

func (f *fakeAttempts) Create(ctx context.Context, a *models.EnrollmentAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *a)
	return nil
}

func (f *fakeAttempts) ListByIdentity(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, int, error) {
	var out []models.EnrollmentAttempt
	for _, a := range f.created {
		if a.IdentityID == identityID {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func (f *fakeAttempts) Latest(ctx context.Context, identityID string) (*models.EnrollmentAttempt, error) {
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].IdentityID == identityID {
			a := f.created[i]
			return &a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeAttempts) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	n := 0
	for _, a := range f.created {
		if a.Status != models.AttemptSuccess {
			n++
		}
	}
	return n, nil
}

type fakeExtractor struct {
	frames []media.Frame
	kind   media.Kind
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, filename string) ([]media.Frame, media.Kind, error) {
	return f.frames, f.kind, f.err
}

func framesOf(n int) []media.Frame {
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame{Index: i, Name: fmt.Sprintf("frame-%02d.png", i), Image: testImage(uint8(40 + i))}
	}
	return frames
}

type fakeBlobs struct {
	mu      sync.Mutex
	saved   map[string][]byte
	deleted []string
}

func (f *fakeBlobs) Save(name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string][]byte{}
	}
	f.saved[name] = data
	return "/media/" + name, nil
}

func (f *fakeBlobs) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, name)
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (f *fakeAudit) Create(ctx context.Context, entry *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type publishedEvent struct {
	Type     string
	Payload  map[string]interface{}
	Channels []string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeNotifier) Publish(eventType string, payload map[string]interface{}, channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Type: eventType, Payload: payload, Channels: channels})
}

func (f *fakeNotifier) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeSessions struct {
	byID map[string]*models.AttendanceSession
}

func (f *fakeSessions) FindByID(ctx context.Context, id string) (*models.AttendanceSession, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

// fakeRecords mirrors the repository's locking upsert: a failing mutator
// leaves no trace, and create=false never inserts.
type fakeRecords struct {
	mu      sync.Mutex
	rows    map[string]*models.AttendanceRecord
	seq     int
	snapped map[string]string
	roster  []models.RosterEntry
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: map[string]*models.AttendanceRecord{}, snapped: map[string]string{}}
}

func recordKey(k models.AttendanceKey) string {
	return k.IdentityID + "|" + k.SessionID + "|" + k.Date.Format("2006-01-02")
}

func (f *fakeRecords) Mutate(ctx context.Context, key models.AttendanceKey, create bool, fn repository.RecordMutator) (*models.AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.rows[recordKey(key)]
	if !ok {
		if !create {
			return nil, sql.ErrNoRows
		}
		f.seq++
		current = &models.AttendanceRecord{
			ID:             fmt.Sprintf("rec-%d", f.seq),
			IdentityID:     key.IdentityID,
			SessionID:      key.SessionID,
			AttendanceDate: key.Date,
			Status:         models.AttendanceAbsent,
		}
	}
	working := *current
	if err := fn(&working); err != nil {
		return nil, err
	}
	f.rows[recordKey(key)] = &working
	out := working
	return &out, nil
}

func (f *fakeRecords) MutateTx(ctx context.Context, tx *sqlx.Tx, key models.AttendanceKey, create bool, fn repository.RecordMutator) (*models.AttendanceRecord, error) {
	return f.Mutate(ctx, key, create, fn)
}

func (f *fakeRecords) FindByKey(ctx context.Context, key models.AttendanceKey) (*models.AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[recordKey(key)]; ok {
		out := *r
		return &out, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRecords) Roster(ctx context.Context, sessionID string, date time.Time) ([]models.RosterEntry, error) {
	return f.roster, nil
}

func (f *fakeRecords) SetSnapshot(ctx context.Context, recordID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapped[recordID] = path
	return nil
}

type fakeVerifier struct {
	mu     sync.Mutex
	result *models.VerificationResult
	err    error
	calls  int
}

func (f *fakeVerifier) VerifyImage(ctx context.Context, identityID string, img image.Image) (*models.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.result
	out.IdentityID = identityID
	return &out, nil
}
