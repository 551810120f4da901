package service

import (
	"context"
	"database/sql"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/face"
	"github.com/noah-isme/faceattend-api/internal/media"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/repository"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

// Identify index modes.
const (
	IdentifyLinear   = "linear"
	IdentifyHNSW     = "hnsw"
	IdentifyPGVector = "pgvector"
)

type templateStore interface {
	FindActive(ctx context.Context, identityID string) (*models.FaceEnrollment, error)
	ForEachActive(ctx context.Context, excludeIdentity string, fn func(models.ActiveEmbedding) error) error
	Nearest(ctx context.Context, vec []float32, limit int) ([]repository.NearestRow, error)
}

type nameResolver interface {
	Names(ctx context.Context, ids []string) (map[string]string, error)
}

// VerificationConfig is the matching policy. Similarities are cosine values.
type VerificationConfig struct {
	Threshold              float64
	RemoteThreshold        float64
	MinDetectionConfidence float64
	CropSize               int
	CropPadding            float64
	Timeout                time.Duration
	IdentifyMode           string
	DefaultTopK            int
	MaxTopK                int
}

// VerificationService answers 1:1 and 1:N face queries. It never writes.
type VerificationService struct {
	templates templateStore
	names     nameResolver
	provider  face.Provider
	matcher   face.Matcher
	index     biometric.Index
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       VerificationConfig
}

// NewVerificationService constructs the service. matcher and index may be nil.
func NewVerificationService(templates templateStore, names nameResolver, provider face.Provider, matcher face.Matcher, index biometric.Index, metrics *MetricsService, logger *zap.Logger, cfg VerificationConfig) *VerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.6
	}
	if cfg.RemoteThreshold == 0 {
		cfg.RemoteThreshold = 0.8
	}
	if cfg.MinDetectionConfidence == 0 {
		cfg.MinDetectionConfidence = 0.5
	}
	if cfg.CropSize <= 0 {
		cfg.CropSize = 224
	}
	if cfg.CropPadding <= 0 {
		cfg.CropPadding = 0.2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.IdentifyMode == "" {
		cfg.IdentifyMode = IdentifyHNSW
	}
	return &VerificationService{
		templates: templates,
		names:     names,
		provider:  provider,
		matcher:   matcher,
		index:     index,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Threshold returns the local verification threshold.
func (s *VerificationService) Threshold() float64 {
	return s.cfg.Threshold
}

// Verify checks a base64 snapshot against the identity's stored template.
func (s *VerificationService) Verify(ctx context.Context, identityID, snapshot string) (*models.VerificationResult, error) {
	enrollment, err := s.activeEnrollment(ctx, identityID)
	if err != nil {
		return nil, err
	}
	img, _, err := media.DecodeSnapshot(snapshot)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInput, "snapshot is not a decodable image")
	}
	return s.compare(ctx, enrollment, img)
}

// VerifyImage is Verify for an already decoded capture.
func (s *VerificationService) VerifyImage(ctx context.Context, identityID string, img image.Image) (*models.VerificationResult, error) {
	enrollment, err := s.activeEnrollment(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return s.compare(ctx, enrollment, img)
}

func (s *VerificationService) activeEnrollment(ctx context.Context, identityID string) (*models.FaceEnrollment, error) {
	enrollment, err := s.templates.FindActive(ctx, identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotEnrolled
		}
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, s.unavailable(err)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *VerificationService) compare(ctx context.Context, enrollment *models.FaceEnrollment, img image.Image) (*models.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result := &models.VerificationResult{
		IdentityID: enrollment.IdentityID,
		Threshold:  s.cfg.Threshold,
		Provider:   s.provider.Name(),
	}

	detection, outcome, err := s.singleFace(ctx, img)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome.String()
	if outcome != face.OutcomeSingleFace {
		result.Message = outcomeMessage(outcome)
		s.metrics.ObserveVerification(result.Outcome)
		return result, nil
	}
	result.Confidence = detection.Confidence
	crop := face.Crop(img, detection.Box, s.cfg.CropPadding, s.cfg.CropSize)

	// ExternalFaceID marks a template that was also indexed remotely; the
	// collection is queried by subject key.
	if s.matcher != nil && enrollment.ExternalFaceID != nil {
		start := time.Now()
		sim, err := s.matcher.Match(ctx, crop, face.ExternalID(enrollment.IdentityID))
		s.metrics.ObserveProvider(s.provider.Name(), "match", err, time.Since(start))
		if err != nil {
			return nil, s.unavailable(err)
		}
		result.Similarity = sim
		result.Threshold = s.cfg.RemoteThreshold
		result.Verified = sim >= s.cfg.RemoteThreshold
	} else {
		stored, err := biometric.Decode(enrollment.Embedding)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "stored template is corrupt")
		}
		probe, err := s.embed(ctx, crop)
		if err != nil {
			return nil, err
		}
		if probe == nil {
			result.Outcome = face.OutcomeNoFace.String()
			result.Message = "no embedding could be extracted from the face"
			s.metrics.ObserveVerification(result.Outcome)
			return result, nil
		}
		sim, ok := biometric.CosineChecked(probe, stored)
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrProcessing, "stored template does not match the provider's embedding size")
		}
		result.Similarity = sim
		result.Verified = sim >= s.cfg.Threshold
	}

	if result.Verified {
		result.Message = "face verified"
		s.metrics.ObserveVerification("verified")
	} else {
		result.Message = "face does not match the enrolled identity"
		s.metrics.ObserveVerification("rejected")
	}
	s.logger.Debug("verification decided",
		zap.String("identity_id", enrollment.IdentityID),
		zap.Bool("verified", result.Verified),
		zap.Float64("similarity", result.Similarity),
	)
	return result, nil
}

// singleFace detects and classifies faces, returning the usable face when
// the outcome is SingleFace.
func (s *VerificationService) singleFace(ctx context.Context, img image.Image) (*face.Detection, face.Outcome, error) {
	start := time.Now()
	detections, err := s.provider.DetectFaces(ctx, img)
	s.metrics.ObserveProvider(s.provider.Name(), "detect", err, time.Since(start))
	if err != nil {
		return nil, face.OutcomeNoFace, s.unavailable(err)
	}
	outcome := face.Classify(detections, s.cfg.MinDetectionConfidence)
	if outcome != face.OutcomeSingleFace {
		return nil, outcome, nil
	}
	return face.Best(detections), outcome, nil
}

func (s *VerificationService) embed(ctx context.Context, crop image.Image) ([]float32, error) {
	start := time.Now()
	vec, err := s.provider.ExtractEmbedding(ctx, crop)
	s.metrics.ObserveProvider(s.provider.Name(), "embed", err, time.Since(start))
	if err != nil {
		return nil, s.unavailable(err)
	}
	return vec, nil
}

// unavailable maps a transport failure or timeout to a 503, never a negative match.
func (s *VerificationService) unavailable(err error) error {
	s.metrics.ObserveVerification("unavailable")
	s.logger.Warn("face provider unavailable", zap.Error(err))
	return appErrors.WrapAs(err, appErrors.ErrVerificationUnavailable, "verification unavailable, try again")
}

func outcomeMessage(o face.Outcome) string {
	switch o {
	case face.OutcomeNoFace:
		return "no face detected in the snapshot"
	case face.OutcomeMultipleFaces:
		return "multiple faces detected, only one person may be in frame"
	case face.OutcomeLowConfidence:
		return "face detected with low confidence, improve lighting and look at the camera"
	default:
		return ""
	}
}

// Identify ranks enrolled identities similar to the snapshot.
func (s *VerificationService) Identify(ctx context.Context, snapshot string, topK int) (*models.IdentifyResult, error) {
	img, _, err := media.DecodeSnapshot(snapshot)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInput, "snapshot is not a decodable image")
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result := &models.IdentifyResult{Threshold: s.cfg.Threshold, Candidates: []models.IdentifyCandidate{}}
	detection, outcome, err := s.singleFace(ctx, img)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome.String()
	if outcome != face.OutcomeSingleFace {
		result.Message = outcomeMessage(outcome)
		return result, nil
	}
	probe, err := s.embed(ctx, face.Crop(img, detection.Box, s.cfg.CropPadding, s.cfg.CropSize))
	if err != nil {
		return nil, err
	}
	if probe == nil {
		result.Outcome = face.OutcomeNoFace.String()
		result.Message = "no embedding could be extracted from the face"
		return result, nil
	}

	candidates, err := s.search(ctx, probe, topK)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		result.Message = "no enrolled identity matched"
		return result, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	names, err := s.names.Names(ctx, ids)
	if err != nil {
		s.logger.Warn("identity names lookup failed", zap.Error(err))
	}
	for _, c := range candidates {
		result.Candidates = append(result.Candidates, models.IdentifyCandidate{IdentityID: c.ID, FullName: names[c.ID], Similarity: c.Similarity})
	}
	return result, nil
}

func (s *VerificationService) search(ctx context.Context, probe []float32, topK int) ([]biometric.Candidate, error) {
	if s.cfg.IdentifyMode == IdentifyPGVector || s.index == nil {
		rows, err := s.templates.Nearest(ctx, biometric.Normalize(probe), topK)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to search enrollments")
		}
		out := make([]biometric.Candidate, 0, len(rows))
		for _, row := range rows {
			if row.Similarity >= s.cfg.Threshold {
				out = append(out, biometric.Candidate{ID: row.IdentityID, Similarity: row.Similarity})
			}
		}
		return out, nil
	}
	return s.index.Search(probe, topK, s.cfg.Threshold), nil
}

// RebuildIndex reloads the identify index from active enrollments and
// returns the number of indexed identities.
func (s *VerificationService) RebuildIndex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, nil
	}
	var entries []biometric.Entry
	err := s.templates.ForEachActive(ctx, "", func(row models.ActiveEmbedding) error {
		vec, err := biometric.Decode(row.Embedding)
		if err != nil {
			s.logger.Warn("skipping undecodable template", zap.String("identity_id", row.IdentityID), zap.Error(err))
			return nil
		}
		entries = append(entries, biometric.Entry{ID: row.IdentityID, Vector: vec})
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.index.Rebuild(entries)
	s.logger.Info("identify index rebuilt", zap.Int("entries", len(entries)), zap.String("mode", s.cfg.IdentifyMode))
	return len(entries), nil
}
