package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/face"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

func newVerificationFixture(mode string, index biometric.Index) (*VerificationService, *fakeProvider, *fakeEnrollments) {
	provider := &fakeProvider{detections: oneFace, embedding: []float32{1, 0, 0, 0}}
	enrollments := newFakeEnrollments()
	identities := newFakeIdentities(
		&models.Identity{ID: "id-1", FullName: "Ana Putri", Active: true},
		&models.Identity{ID: "id-2", FullName: "Budi Santoso", Active: true},
	)
	svc := NewVerificationService(enrollments, identities, provider, nil, index, nil, zap.NewNop(), VerificationConfig{
		Threshold:    0.6,
		Timeout:      time.Second,
		IdentifyMode: mode,
	})
	return svc, provider, enrollments
}

func TestVerifyNotEnrolledBeforeProvider(t *testing.T) {
	svc, provider, _ := newVerificationFixture(IdentifyLinear, nil)

	_, err := svc.Verify(context.Background(), "id-1", "not even base64")
	assert.ErrorIs(t, err, appErrors.ErrNotEnrolled)
	assert.Zero(t, provider.detectCalls)
}

func TestVerifyUndecodableSnapshot(t *testing.T) {
	svc, provider, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.put("id-1", []float32{1, 0, 0, 0})

	_, err := svc.Verify(context.Background(), "id-1", "data:image/png;base64,AAAA")
	assert.ErrorIs(t, err, appErrors.ErrInput)
	assert.Zero(t, provider.detectCalls)
}

func TestVerifyThreshold(t *testing.T) {
	cases := []struct {
		name     string
		stored   []float32
		verified bool
	}{
		{name: "identical", stored: []float32{1, 0, 0, 0}, verified: true},
		{name: "above threshold", stored: []float32{0.8, 0.6, 0, 0}, verified: true},
		{name: "below threshold", stored: []float32{0.5, 0.866, 0, 0}, verified: false},
		{name: "orthogonal", stored: []float32{0, 1, 0, 0}, verified: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, enrollments := newVerificationFixture(IdentifyLinear, nil)
			enrollments.put("id-1", tc.stored)

			result, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
			require.NoError(t, err)
			assert.Equal(t, tc.verified, result.Verified)
			assert.Equal(t, face.OutcomeSingleFace.String(), result.Outcome)
			assert.Equal(t, 0.6, result.Threshold)
		})
	}
}

func TestVerifyIsDeterministic(t *testing.T) {
	svc, _, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.put("id-1", []float32{0.8, 0.6, 0, 0})
	snapshot := testSnapshot(t)

	first, err := svc.Verify(context.Background(), "id-1", snapshot)
	require.NoError(t, err)
	second, err := svc.Verify(context.Background(), "id-1", snapshot)
	require.NoError(t, err)
	assert.Equal(t, first.Similarity, second.Similarity)
	assert.Equal(t, first.Verified, second.Verified)
}

func TestVerifyFaceOutcomes(t *testing.T) {
	cases := map[string]struct {
		detections []face.Detection
		outcome    face.Outcome
	}{
		"no face": {detections: nil, outcome: face.OutcomeNoFace},
		"multiple faces": {detections: []face.Detection{
			{Confidence: 0.9}, {Confidence: 0.8},
		}, outcome: face.OutcomeMultipleFaces},
		"low confidence": {detections: []face.Detection{{Confidence: 0.2}}, outcome: face.OutcomeLowConfidence},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, provider, enrollments := newVerificationFixture(IdentifyLinear, nil)
			enrollments.put("id-1", []float32{1, 0, 0, 0})
			provider.detections = tc.detections

			result, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
			require.NoError(t, err)
			assert.False(t, result.Verified)
			assert.Equal(t, tc.outcome.String(), result.Outcome)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestVerifyProviderFailureIsUnavailable(t *testing.T) {
	svc, provider, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.put("id-1", []float32{1, 0, 0, 0})
	provider.embedErr = &face.ProviderError{Provider: "fake", Op: "embed", Timeout: true, Err: context.DeadlineExceeded}

	result, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, appErrors.ErrVerificationUnavailable)
}

func TestVerifyDimensionMismatch(t *testing.T) {
	svc, _, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.put("id-1", []float32{1, 0})

	_, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
	assert.ErrorIs(t, err, appErrors.ErrProcessing)
}

func TestVerifyUsesRemoteMatcher(t *testing.T) {
	svc, _, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.put("id-1", []float32{0, 1, 0, 0})
	faceID := "face-9"
	enrollments.active["id-1"].ExternalFaceID = &faceID
	matcher := &fakeMatcher{similarity: 0.85}
	svc.matcher = matcher

	result, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 0.8, result.Threshold)
	assert.Equal(t, []string{face.ExternalID("id-1")}, matcher.matched)

	svc.matcher = &fakeMatcher{err: errors.New("503 from provider")}
	_, err = svc.Verify(context.Background(), "id-1", testSnapshot(t))
	assert.ErrorIs(t, err, appErrors.ErrVerificationUnavailable)
}

func TestIdentifyRanksCandidates(t *testing.T) {
	for _, mode := range []string{IdentifyLinear, IdentifyHNSW, IdentifyPGVector} {
		t.Run(mode, func(t *testing.T) {
			var index biometric.Index
			switch mode {
			case IdentifyLinear:
				index = biometric.NewLinearIndex()
			case IdentifyHNSW:
				index = biometric.NewHNSWIndex()
			}
			svc, _, enrollments := newVerificationFixture(mode, index)
			enrollments.put("id-1", []float32{0.8, 0.6, 0, 0})
			enrollments.put("id-2", []float32{0.98, 0.199, 0, 0})
			enrollments.put("id-3", []float32{0, 0, 1, 0})

			n, err := svc.RebuildIndex(context.Background())
			require.NoError(t, err)
			if index != nil {
				assert.Equal(t, 3, n)
			}

			result, err := svc.Identify(context.Background(), testSnapshot(t), 5)
			require.NoError(t, err)
			require.Len(t, result.Candidates, 2)
			assert.Equal(t, "id-2", result.Candidates[0].IdentityID)
			assert.Equal(t, "Budi Santoso", result.Candidates[0].FullName)
			assert.Equal(t, "id-1", result.Candidates[1].IdentityID)
		})
	}
}

func TestIdentifyWithoutMatches(t *testing.T) {
	svc, _, enrollments := newVerificationFixture(IdentifyPGVector, nil)
	enrollments.put("id-1", []float32{0, 1, 0, 0})

	result, err := svc.Identify(context.Background(), testSnapshot(t), 0)
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.NotEmpty(t, result.Message)
}

func TestVerifyLookupTimeoutIsUnavailable(t *testing.T) {
	svc, provider, enrollments := newVerificationFixture(IdentifyLinear, nil)
	enrollments.findErr = fmt.Errorf("find active enrollment: %w", context.DeadlineExceeded)

	_, err := svc.Verify(context.Background(), "id-1", testSnapshot(t))
	assert.ErrorIs(t, err, appErrors.ErrVerificationUnavailable)
	assert.Zero(t, provider.detectCalls)

	enrollments.findErr = errors.New("connection reset")
	_, err = svc.Verify(context.Background(), "id-1", testSnapshot(t))
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestIdentifyHNSWToleratesMixedDimensions(t *testing.T) {
	svc, provider, enrollments := newVerificationFixture(IdentifyHNSW, biometric.NewHNSWIndex())
	enrollments.put("id-1", []float32{1, 0, 0, 0})
	enrollments.put("id-2", []float32{1, 0, 0})
	enrollments.put("id-3", []float32{0, 0, 1, 0})

	_, err := svc.RebuildIndex(context.Background())
	require.NoError(t, err)

	result, err := svc.Identify(context.Background(), testSnapshot(t), 5)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "id-1", result.Candidates[0].IdentityID)

	provider.embedding = []float32{1, 0, 0, 0, 0}
	result, err = svc.Identify(context.Background(), testSnapshot(t), 5)
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}
