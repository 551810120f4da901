package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/dto"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

type manualRequestService interface {
	Submit(ctx context.Context, req models.SubmitManualRequest) (*models.ManualRequest, error)
	Decide(ctx context.Context, actor *models.JWTClaims, req models.DecideManualRequest) (*models.ManualRequest, error)
	List(ctx context.Context, actor *models.JWTClaims, filter models.ManualRequestFilter) ([]models.ManualRequestView, *models.Pagination, *models.ManualRequestStats, error)
}

// ManualRequestHandler exposes the manual attendance request workflow.
type ManualRequestHandler struct {
	requests manualRequestService
}

// NewManualRequestHandler constructs ManualRequestHandler.
func NewManualRequestHandler(requests manualRequestService) *ManualRequestHandler {
	return &ManualRequestHandler{requests: requests}
}

// Submit godoc
// @Summary Ask staff to record attendance without a face check
// @Tags Manual Requests
// @Accept json
// @Produce json
// @Param payload body models.SubmitManualRequest true "Request"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /manual-requests [post]
func (h *ManualRequestHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.SubmitManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	req.UserID = claims.UserID
	created, err := h.requests.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List godoc
// @Summary Review queue of manual requests
// @Tags Manual Requests
// @Produce json
// @Param status query string false "pending, approved or rejected"
// @Param session_id query string false "Session filter"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /manual-requests [get]
func (h *ManualRequestHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	page, size := pageParams(c)
	filter := models.ManualRequestFilter{SessionID: c.Query("session_id"), Page: page, PageSize: size}
	if raw := c.Query("status"); raw != "" {
		status := models.ManualRequestStatus(raw)
		switch status {
		case models.ManualRequestPending, models.ManualRequestApproved, models.ManualRequestRejected:
			filter.Status = &status
		default:
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "status must be pending, approved or rejected"))
			return
		}
	}
	rows, pagination, stats, err := h.requests.List(c.Request.Context(), claims, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	if rows == nil {
		rows = []models.ManualRequestView{}
	}
	response.JSON(c, http.StatusOK, rows, pagination, map[string]interface{}{"stats": stats})
}

// Approve godoc
// @Summary Approve a pending request and record attendance
// @Tags Manual Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecisionRequest false "Reviewer note"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /manual-requests/{id}/approve [post]
func (h *ManualRequestHandler) Approve(c *gin.Context) {
	h.decide(c, true)
}

// Reject godoc
// @Summary Reject a pending request
// @Tags Manual Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecisionRequest false "Reviewer note"
// @Success 200 {object} response.Envelope
// @Router /manual-requests/{id}/reject [post]
func (h *ManualRequestHandler) Reject(c *gin.Context) {
	h.decide(c, false)
}

func (h *ManualRequestHandler) decide(c *gin.Context, approve bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload dto.DecisionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, invalidPayload(err))
			return
		}
	}
	decided, err := h.requests.Decide(c.Request.Context(), claims, models.DecideManualRequest{
		RequestID: c.Param("id"),
		Approve:   approve,
		Note:      payload.Note,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, decided, nil)
}
