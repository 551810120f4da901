package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/dto"
	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type verificationServiceMock struct {
	identityID string
	topK       int
	result     *models.VerificationResult
	err        error
}

func (m *verificationServiceMock) Verify(ctx context.Context, identityID, snapshot string) (*models.VerificationResult, error) {
	m.identityID = identityID
	return m.result, m.err
}

func (m *verificationServiceMock) Identify(ctx context.Context, snapshot string, topK int) (*models.IdentifyResult, error) {
	m.topK = topK
	return &models.IdentifyResult{Outcome: "MATCH", Candidates: []models.IdentifyCandidate{}}, m.err
}

const handlerIdentity = "6b0e3f8e-5f8a-4f59-9d1a-0c1f0c4b2a11"

func TestVerificationHandlerVerify(t *testing.T) {
	mock := &verificationServiceMock{result: &models.VerificationResult{IdentityID: handlerIdentity, Verified: false, Outcome: "NO_MATCH", Similarity: 0.42, Threshold: 0.6}}
	h := NewVerificationHandler(mock)

	c, w := newGinContext(http.MethodPost, "/verify", mustJSON(t, dto.VerifyRequest{IdentityID: handlerIdentity, Snapshot: "data:image/png;base64,AAAA"}))
	middleware.WithResponseMeta()(c)
	h.Verify(c)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	var got models.VerificationResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.False(t, got.Verified)
	assert.InDelta(t, 0.42, got.Similarity, 1e-9)
	assert.Equal(t, handlerIdentity, mock.identityID)
	assert.Contains(t, env.Meta, "processing_time_ms")
}

func TestVerificationHandlerValidatesPayload(t *testing.T) {
	h := NewVerificationHandler(&verificationServiceMock{})

	c, w := newGinContext(http.MethodPost, "/verify", mustJSON(t, map[string]string{"identity_id": "not-a-uuid", "snapshot": "x"}))
	h.Verify(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, decodeEnvelope(t, w).Error.Code)
}

func TestVerificationHandlerErrorStatuses(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"not enrolled": {appErrors.ErrNotEnrolled, http.StatusNotFound},
		"unavailable":  {appErrors.ErrVerificationUnavailable, http.StatusServiceUnavailable},
		"bad image":    {appErrors.ErrInput, http.StatusBadRequest},
		"processing":   {appErrors.ErrProcessing, http.StatusUnprocessableEntity},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewVerificationHandler(&verificationServiceMock{err: tc.err})
			c, w := newGinContext(http.MethodPost, "/verify", mustJSON(t, dto.VerifyRequest{IdentityID: handlerIdentity, Snapshot: "x"}))
			h.Verify(c)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestVerificationHandlerIdentify(t *testing.T) {
	mock := &verificationServiceMock{}
	h := NewVerificationHandler(mock)

	c, w := newGinContext(http.MethodPost, "/identify", mustJSON(t, dto.IdentifyRequest{Snapshot: "x", TopK: 3}))
	h.Identify(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, mock.topK)

	c, w = newGinContext(http.MethodPost, "/identify", mustJSON(t, dto.IdentifyRequest{Snapshot: "x", TopK: 500}))
	h.Identify(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
