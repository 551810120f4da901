package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/face"
	"github.com/noah-isme/faceattend-api/internal/media"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type enrollmentStore interface {
	FindActive(ctx context.Context, identityID string) (*models.FaceEnrollment, error)
	Supersede(ctx context.Context, e *models.FaceEnrollment, vec []float32) (models.Supersession, error)
	Deactivate(ctx context.Context, identityID string) (*models.FaceEnrollment, error)
	Statistics(ctx context.Context, recent int) (int, float64, []models.RecentEnrollment, error)
}

type attemptStore interface {
	Create(ctx context.Context, attempt *models.EnrollmentAttempt) error
	ListByIdentity(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, int, error)
	Latest(ctx context.Context, identityID string) (*models.EnrollmentAttempt, error)
	CountFailedSince(ctx context.Context, since time.Time) (int, error)
}

type identityStore interface {
	FindByID(ctx context.Context, id string) (*models.Identity, error)
	FindByUserID(ctx context.Context, userID string) (*models.Identity, error)
	Names(ctx context.Context, ids []string) (map[string]string, error)
	CountActive(ctx context.Context) (int, error)
}

type frameExtractor interface {
	Extract(ctx context.Context, data []byte, filename string) ([]media.Frame, media.Kind, error)
}

type blobStore interface {
	Save(filename string, data []byte) (string, error)
	Delete(filename string) error
}

type urlSigner interface {
	Generate(resourceID, relPath string) (string, time.Time, error)
}

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// EnrollmentConfig tunes the enrollment pipeline.
type EnrollmentConfig struct {
	MinFaces      int
	CropSize      int
	CropPadding   float64
	ThumbnailSize int
	Workers       int
	MaxConcurrent int64
	StatsTTL      time.Duration
	MediaURLBase  string
	Location      *time.Location
}

// EnrollmentDeps groups the collaborators of EnrollmentService.
type EnrollmentDeps struct {
	Identities  identityStore
	Enrollments enrollmentStore
	AttemptLog  attemptStore
	Extractor   frameExtractor
	Provider    face.Provider
	// Matcher is set for providers that keep their own face collection.
	Matcher    face.Matcher
	Duplicates *DuplicateDetector
	Index      biometric.Index
	Storage    blobStore
	Signer     urlSigner
	Cache      *CacheService
	Audit      auditWriter
	Metrics    *MetricsService
	Logger     *zap.Logger
}

// EnrollRequest carries one uploaded capture.
type EnrollRequest struct {
	IdentityID string
	Filename   string
	Data       []byte
	ActorID    string
}

// EnrollmentService turns a multi-frame capture into one stored template.
type EnrollmentService struct {
	EnrollmentDeps
	cfg EnrollmentConfig
	sem *semaphore.Weighted
	now func() time.Time
}

// NewEnrollmentService constructs the service.
func NewEnrollmentService(deps EnrollmentDeps, cfg EnrollmentConfig) *EnrollmentService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MinFaces <= 0 {
		cfg.MinFaces = 5
	}
	if cfg.CropSize <= 0 {
		cfg.CropSize = 224
	}
	if cfg.CropPadding <= 0 {
		cfg.CropPadding = 0.2
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 150
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &EnrollmentService{
		EnrollmentDeps: deps,
		cfg:            cfg,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		now:            time.Now,
	}
}

// faceSample is one usable face from a frame.
type faceSample struct {
	frame      int
	embedding  []float32
	confidence float64
	crop       image.Image
}

// enrollmentRun tracks one request through the pipeline states.
type enrollmentRun struct {
	identityID string
	kind       media.Kind
	state      models.EnrollmentState
	frames     int
	faces      int
	started    time.Time
	logger     *zap.Logger
}

func (r *enrollmentRun) transition(to models.EnrollmentState, fields ...zap.Field) {
	r.logger.Info("enrollment state",
		append([]zap.Field{
			zap.String("identity_id", r.identityID),
			zap.String("from", string(r.state)),
			zap.String("to", string(to)),
		}, fields...)...)
	r.state = to
}

// Enroll runs the full pipeline for one capture.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.EnrollmentResult, error) {
	if req.IdentityID == "" {
		return nil, appErrors.Clone(appErrors.ErrInput, "identity id is required")
	}
	if len(req.Data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrInput, "media file is empty")
	}
	identity, err := s.Identities.FindByID(ctx, req.IdentityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "identity not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
	}
	if !identity.Active {
		return nil, appErrors.Clone(appErrors.ErrInput, "identity is inactive")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrProcessing, "enrollment cancelled while waiting for capacity")
	}
	defer s.sem.Release(1)

	run := &enrollmentRun{identityID: identity.ID, state: models.EnrollmentReceived, started: s.now(), logger: s.Logger}

	frames, kind, err := s.Extractor.Extract(ctx, req.Data, req.Filename)
	run.kind = kind
	if err != nil {
		if errors.Is(err, media.ErrUnsupported) || errors.Is(err, media.ErrEmpty) {
			return nil, appErrors.WrapAs(err, appErrors.ErrUnsupportedMedia, "unsupported media: upload a video or a zip of images")
		}
		return nil, s.fail(ctx, run, appErrors.WrapAs(err, appErrors.ErrProcessing, "failed to extract frames"))
	}
	run.frames = len(frames)
	run.transition(models.EnrollmentFramesExtracted, zap.String("kind", string(kind)), zap.Int("frames", len(frames)))

	samples, err := s.collect(ctx, frames)
	if err != nil {
		return nil, s.fail(ctx, run, err)
	}
	run.faces = len(samples)
	run.transition(models.EnrollmentFacesCollected, zap.Int("faces", len(samples)))

	if len(samples) < s.cfg.MinFaces {
		msg := fmt.Sprintf("insufficient faces detected: %d, minimum %d required", len(samples), s.cfg.MinFaces)
		return nil, s.fail(ctx, run, appErrors.WithDetails(appErrors.Clone(appErrors.ErrInsufficientFaces, msg), map[string]interface{}{
			"faces_detected":   len(samples),
			"frames_processed": run.frames,
			"minimum":          s.cfg.MinFaces,
		}))
	}

	embeddings := make([][]float32, len(samples))
	var confidenceSum float64
	for i, sample := range samples {
		embeddings[i] = sample.embedding
		confidenceSum += sample.confidence
	}
	template, err := biometric.Average(embeddings)
	if err != nil {
		return nil, s.fail(ctx, run, appErrors.WrapAs(err, appErrors.ErrProcessing, "failed to aggregate embeddings"))
	}
	meanConfidence := confidenceSum / float64(len(samples))
	quality := biometric.Quality(float64(len(samples))/float64(run.frames), meanConfidence, biometric.Consistency(embeddings))

	match, err := s.Duplicates.Check(ctx, template, identity.ID)
	if err != nil {
		return nil, s.fail(ctx, run, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "duplicate scan failed"))
	}
	if match != nil {
		run.transition(models.EnrollmentDuplicateRejected, zap.String("conflict_identity_id", match.IdentityID), zap.Float64("similarity", match.Similarity))
		conflict := appErrors.WithDetails(appErrors.ErrDuplicateFace, map[string]interface{}{
			"conflict_identity_id": match.IdentityID,
			"similarity":           match.Similarity,
		})
		s.recordAttempt(ctx, run, models.AttemptDuplicateRejected, conflict, match)
		return nil, conflict
	}
	run.transition(models.EnrollmentAggregated, zap.Float64("quality", quality))

	representative := samples[len(samples)/2]
	enrollment := &models.FaceEnrollment{
		ID:              uuid.NewString(),
		IdentityID:      identity.ID,
		Embedding:       biometric.Encode(template),
		Dimension:       len(template),
		QualityScore:    quality,
		FaceConfidence:  meanConfidence,
		FacesDetected:   len(samples),
		FramesProcessed: run.frames,
		Provider:        s.Provider.Name(),
	}

	if s.Matcher != nil {
		faceID, err := s.Matcher.Index(ctx, representative.crop, face.ExternalID(identity.ID))
		if err != nil {
			return nil, s.fail(ctx, run, appErrors.WrapAs(err, appErrors.ErrProcessing, "provider unavailable"))
		}
		enrollment.ExternalFaceID = &faceID
	}

	thumbnail := s.saveThumbnail(enrollment, representative.crop)

	res, err := s.Enrollments.Supersede(ctx, enrollment, template)
	if err != nil {
		if thumbnail != "" {
			_ = s.Storage.Delete(thumbnail)
		}
		if enrollment.ExternalFaceID != nil {
			s.removeRemoteFace(ctx, identity.ID, *enrollment.ExternalFaceID)
		}
		return nil, s.fail(ctx, run, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store enrollment"))
	}
	created := res.Created
	run.transition(models.EnrollmentPersisted, zap.String("enrollment_id", enrollment.ID), zap.Bool("created", created))

	if prior := res.PriorExternalFaceID; prior != nil && (enrollment.ExternalFaceID == nil || *prior != *enrollment.ExternalFaceID) {
		s.removeRemoteFace(ctx, identity.ID, *prior)
	}

	if s.Index != nil {
		s.Index.Upsert(identity.ID, template)
	}
	s.Cache.Evict(context.WithoutCancel(ctx), enrollmentStatusKey(identity.ID), cacheKeyEnrollmentStats)
	s.recordAttempt(ctx, run, models.AttemptSuccess, nil, nil)
	s.audit(ctx, req.ActorID, models.AuditActionEnrollmentCreate, identity.ID, nil, map[string]interface{}{
		"enrollment_id": enrollment.ID,
		"quality":       quality,
		"created":       created,
	})

	return &models.EnrollmentResult{
		EnrollmentID:    enrollment.ID,
		IdentityID:      identity.ID,
		Quality:         quality,
		FacesDetected:   len(samples),
		FramesProcessed: run.frames,
		Created:         created,
		ThumbnailURL:    s.mediaURL(enrollment.ID, enrollment.ThumbnailPath),
	}, nil
}

// collect runs detection and embedding over frames with bounded
// concurrency. Results keep frame order. A provider error aborts the run.
func (s *EnrollmentService) collect(ctx context.Context, frames []media.Frame) ([]faceSample, error) {
	slots := make([]*faceSample, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range frames {
		i := i
		g.Go(func() error {
			sample, err := s.processFrame(gctx, frames[i])
			if err != nil {
				return err
			}
			slots[i] = sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if face.IsProviderError(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, appErrors.WrapAs(err, appErrors.ErrProcessing, "provider unavailable")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrProcessing, "failed to process frames")
	}

	samples := make([]faceSample, 0, len(frames))
	for _, sample := range slots {
		if sample != nil {
			samples = append(samples, *sample)
		}
	}
	return samples, nil
}

func (s *EnrollmentService) processFrame(ctx context.Context, frame media.Frame) (*faceSample, error) {
	if frame.Image == nil {
		return nil, nil
	}
	start := time.Now()
	detections, err := s.Provider.DetectFaces(ctx, frame.Image)
	s.Metrics.ObserveProvider(s.Provider.Name(), "detect", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	best := face.Best(detections)
	if best == nil {
		return nil, nil
	}
	crop := face.Crop(frame.Image, best.Box, s.cfg.CropPadding, s.cfg.CropSize)

	start = time.Now()
	embedding, err := s.Provider.ExtractEmbedding(ctx, crop)
	s.Metrics.ObserveProvider(s.Provider.Name(), "embed", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, nil
	}
	return &faceSample{frame: frame.Index, embedding: embedding, confidence: best.Confidence, crop: crop}, nil
}

func (s *EnrollmentService) saveThumbnail(e *models.FaceEnrollment, crop image.Image) string {
	if s.Storage == nil {
		return ""
	}
	data, err := media.Thumbnail(crop, s.cfg.ThumbnailSize)
	if err != nil {
		s.Logger.Warn("thumbnail encode failed", zap.String("identity_id", e.IdentityID), zap.Error(err))
		return ""
	}
	rel := fmt.Sprintf("thumbnails/%s/%s.webp", e.IdentityID, e.ID)
	if _, err := s.Storage.Save(rel, data); err != nil {
		s.Logger.Warn("thumbnail save failed", zap.String("identity_id", e.IdentityID), zap.Error(err))
		return ""
	}
	e.ThumbnailPath = &rel
	return rel
}

// fail records a failed attempt and returns err.
func (s *EnrollmentService) fail(ctx context.Context, run *enrollmentRun, err error) error {
	run.transition(models.EnrollmentFailed, zap.Error(err))
	s.recordAttempt(ctx, run, models.AttemptFailed, err, nil)
	return err
}

func (s *EnrollmentService) recordAttempt(ctx context.Context, run *enrollmentRun, status models.AttemptStatus, cause error, match *DuplicateMatch) {
	elapsed := s.now().Sub(run.started)
	attempt := &models.EnrollmentAttempt{
		IdentityID:      run.identityID,
		Status:          status,
		FinalState:      run.state,
		MediaKind:       string(run.kind),
		FramesProcessed: run.frames,
		FacesDetected:   run.faces,
		ProcessingMs:    elapsed.Milliseconds(),
	}
	if attempt.MediaKind == "" {
		attempt.MediaKind = "unknown"
	}
	if cause != nil {
		msg := appErrors.FromError(cause).Message
		attempt.ErrorMessage = &msg
	}
	if match != nil {
		attempt.ConflictIdentityID = &match.IdentityID
		attempt.ConflictSimilarity = &match.Similarity
	}
	// The attempt is written even when the caller has gone away.
	if err := s.AttemptLog.Create(context.WithoutCancel(ctx), attempt); err != nil {
		s.Logger.Error("failed to record enrollment attempt", zap.String("identity_id", run.identityID), zap.Error(err))
	}
	s.Metrics.ObserveEnrollment(run.state, elapsed)
}

func (s *EnrollmentService) audit(ctx context.Context, actorID, action, identityID string, before, after interface{}) {
	if s.Audit == nil {
		return
	}
	entry := &models.AuditLog{Action: action, Resource: "face_enrollment", ResourceID: &identityID}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if before != nil {
		entry.OldValues, _ = json.Marshal(before)
	}
	if after != nil {
		entry.NewValues, _ = json.Marshal(after)
	}
	if err := s.Audit.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.Logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *EnrollmentService) mediaURL(resourceID string, rel *string) string {
	if s.Signer == nil || rel == nil || *rel == "" {
		return ""
	}
	token, _, err := s.Signer.Generate(resourceID, *rel)
	if err != nil {
		s.Logger.Warn("sign media url failed", zap.String("path", *rel), zap.Error(err))
		return ""
	}
	return s.cfg.MediaURLBase + "/" + token
}

// Status reports whether an identity is enrolled and its last attempt.
func (s *EnrollmentService) Status(ctx context.Context, identityID string) (*models.EnrollmentStatus, error) {
	status, err := Remember(ctx, s.Cache, enrollmentStatusKey(identityID), 0, func(ctx context.Context) (*models.EnrollmentStatus, error) {
		if _, err := s.Identities.FindByID(ctx, identityID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "identity not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
		}
		out := &models.EnrollmentStatus{IdentityID: identityID}
		enrollment, err := s.Enrollments.FindActive(ctx, identityID)
		switch {
		case err == nil:
			out.Enrolled = true
			out.Enrollment = enrollment
		case !errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}
		attempt, err := s.AttemptLog.Latest(ctx, identityID)
		switch {
		case err == nil:
			out.LastAttempt = attempt
		case !errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attempts")
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if status.Enrollment != nil {
		status.ThumbnailURL = s.mediaURL(status.Enrollment.ID, status.Enrollment.ThumbnailPath)
	}
	return status, nil
}

// removeRemoteFace deletes one face from the remote collection. Failures are
// logged; the database stays the source of truth.
func (s *EnrollmentService) removeRemoteFace(ctx context.Context, identityID, faceID string) {
	if s.Matcher == nil {
		return
	}
	if err := s.Matcher.Remove(context.WithoutCancel(ctx), faceID); err != nil {
		s.Logger.Warn("remote face removal failed", zap.String("identity_id", identityID), zap.String("face_id", faceID), zap.Error(err))
	}
}

// Delete deactivates the identity's enrollment and removes it from the
// remote collection and the identify index.
func (s *EnrollmentService) Delete(ctx context.Context, actorID, identityID string) (*models.FaceEnrollment, error) {
	prior, err := s.Enrollments.Deactivate(ctx, identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotEnrolled
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate enrollment")
	}
	if prior.ExternalFaceID != nil {
		s.removeRemoteFace(ctx, identityID, *prior.ExternalFaceID)
	}
	if s.Index != nil {
		s.Index.Remove(identityID)
	}
	s.Cache.Evict(context.WithoutCancel(ctx), enrollmentStatusKey(identityID), cacheKeyEnrollmentStats)
	s.audit(ctx, actorID, models.AuditActionEnrollmentDelete, identityID, map[string]interface{}{
		"enrollment_id": prior.ID,
		"quality":       prior.QualityScore,
	}, nil)
	return prior, nil
}

// Attempts returns a page of the identity's attempt ledger.
func (s *EnrollmentService) Attempts(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, *models.Pagination, error) {
	page, size = models.Normalize(page, size, 100)
	rows, total, err := s.AttemptLog.ListByIdentity(ctx, identityID, page, size)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attempts")
	}
	return rows, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Statistics summarises enrollment coverage.
func (s *EnrollmentService) Statistics(ctx context.Context) (*models.EnrollmentStatistics, error) {
	return Remember(ctx, s.Cache, cacheKeyEnrollmentStats, s.cfg.StatsTTL, func(ctx context.Context) (*models.EnrollmentStatistics, error) {
		total, err := s.Identities.CountActive(ctx)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count identities")
		}
		enrolled, avg, recent, err := s.Enrollments.Statistics(ctx, 5)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment statistics")
		}
		now := s.now().In(s.cfg.Location)
		y, m, d := now.Date()
		failed, err := s.AttemptLog.CountFailedSince(ctx, time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attempts")
		}
		stats := &models.EnrollmentStatistics{
			TotalIdentities:     total,
			Enrolled:            enrolled,
			AverageQuality:      avg,
			FailedAttemptsToday: failed,
			Recent:              recent,
			GeneratedAt:         now.UTC(),
		}
		if total > 0 {
			stats.EnrollmentRate = float64(enrolled) / float64(total)
		}
		if stats.Recent == nil {
			stats.Recent = []models.RecentEnrollment{}
		}
		return stats, nil
	})
}
