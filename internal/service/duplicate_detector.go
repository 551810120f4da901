package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/models"
)

type activeEmbeddingStream interface {
	ForEachActive(ctx context.Context, excludeIdentity string, fn func(models.ActiveEmbedding) error) error
}

// DuplicateMatch is the closest enrolled identity to a candidate template.
type DuplicateMatch struct {
	IdentityID string  `json:"conflict_identity_id"`
	Similarity float64 `json:"similarity"`
}

// DuplicateDetector scans the enrolled population for a template that is
// too similar to a new one. The scan is linear in the number of active
// enrollments and may observe slightly stale rows.
type DuplicateDetector struct {
	repo      activeEmbeddingStream
	threshold float64
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewDuplicateDetector constructs a detector rejecting matches at or above threshold.
func NewDuplicateDetector(repo activeEmbeddingStream, threshold float64, metrics *MetricsService, logger *zap.Logger) *DuplicateDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuplicateDetector{repo: repo, threshold: threshold, metrics: metrics, logger: logger}
}

// Threshold returns the configured duplicate similarity.
func (d *DuplicateDetector) Threshold() float64 {
	return d.threshold
}

// Check returns the most similar other identity when its similarity reaches
// the threshold, or nil.
func (d *DuplicateDetector) Check(ctx context.Context, candidate []float32, excludeIdentity string) (*DuplicateMatch, error) {
	start := time.Now()
	defer func() { d.metrics.ObserveDuplicateScan(time.Since(start)) }()

	var (
		best    *DuplicateMatch
		scanned int
	)
	err := d.repo.ForEachActive(ctx, excludeIdentity, func(row models.ActiveEmbedding) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		vec, err := biometric.Decode(row.Embedding)
		if err != nil {
			d.logger.Warn("skipping undecodable template", zap.String("identity_id", row.IdentityID), zap.Error(err))
			return nil
		}
		sim, ok := biometric.CosineChecked(candidate, vec)
		if !ok {
			return nil
		}
		scanned++
		if best == nil || sim > best.Similarity {
			best = &DuplicateMatch{IdentityID: row.IdentityID, Similarity: sim}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("duplicate scan complete",
		zap.Int("scanned", scanned),
		zap.Duration("elapsed", time.Since(start)),
	)
	if best != nil && best.Similarity >= d.threshold {
		return best, nil
	}
	return nil, nil
}
