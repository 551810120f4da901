package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/dto"
	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

type verificationService interface {
	Verify(ctx context.Context, identityID, snapshot string) (*models.VerificationResult, error)
	Identify(ctx context.Context, snapshot string, topK int) (*models.IdentifyResult, error)
}

// VerificationHandler exposes 1:1 and 1:N face queries.
type VerificationHandler struct {
	verifier verificationService
}

// NewVerificationHandler constructs VerificationHandler.
func NewVerificationHandler(verifier verificationService) *VerificationHandler {
	return &VerificationHandler{verifier: verifier}
}

// Verify godoc
// @Summary Verify a snapshot against an identity
// @Description A rejected face is a 200 with verified=false. Provider outages return 503.
// @Tags Verification
// @Accept json
// @Produce json
// @Param payload body dto.VerifyRequest true "Snapshot as data URL or base64"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /verify [post]
func (h *VerificationHandler) Verify(c *gin.Context) {
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	result, err := h.verifier.Verify(c.Request.Context(), req.IdentityID, req.Snapshot)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil, middleware.ExtractMeta(c))
}

// Identify godoc
// @Summary Rank enrolled identities for a snapshot
// @Tags Verification
// @Accept json
// @Produce json
// @Param payload body dto.IdentifyRequest true "Snapshot and result count"
// @Success 200 {object} response.Envelope
// @Router /identify [post]
func (h *VerificationHandler) Identify(c *gin.Context) {
	var req dto.IdentifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	result, err := h.verifier.Identify(c.Request.Context(), req.Snapshot, req.TopK)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil, middleware.ExtractMeta(c))
}
