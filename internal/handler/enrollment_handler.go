package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/service"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

type enrollmentService interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*models.EnrollmentResult, error)
	Status(ctx context.Context, identityID string) (*models.EnrollmentStatus, error)
	Delete(ctx context.Context, actorID, identityID string) (*models.FaceEnrollment, error)
	Attempts(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, *models.Pagination, error)
	Statistics(ctx context.Context) (*models.EnrollmentStatistics, error)
}

// EnrollmentHandler exposes facial enrollment endpoints.
type EnrollmentHandler struct {
	enrollments    enrollmentService
	maxUploadBytes int64
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, maxUploadBytes int64) *EnrollmentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	return &EnrollmentHandler{enrollments: enrollments, maxUploadBytes: maxUploadBytes}
}

// Enroll godoc
// @Summary Enroll a face from a video or image archive
// @Tags Enrollments
// @Accept multipart/form-data
// @Produce json
// @Param identityId path string true "Identity ID"
// @Param media formData file true "Video (mp4, mov, avi, webm) or zip of images"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 415 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /enrollments/{identityId} [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadBytes {
		response.Error(c, h.tooLarge())
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	fileHeader, err := c.FormFile("media")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, h.tooLarge())
			return
		}
		response.Error(c, appErrors.Clone(appErrors.ErrInput, "media file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open upload"))
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}

	req := service.EnrollRequest{IdentityID: c.Param("identityId"), Filename: fileHeader.Filename, Data: data}
	if claims := claimsFromContext(c); claims != nil {
		req.ActorID = claims.UserID
	}
	result, err := h.enrollments.Enroll(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, result, nil, middleware.ExtractMeta(c))
}

func (h *EnrollmentHandler) tooLarge() *appErrors.Error {
	e := appErrors.Clone(appErrors.ErrInput, "upload exceeds the size limit")
	e.Status = http.StatusRequestEntityTooLarge
	return e
}

// Status godoc
// @Summary Enrollment status of an identity
// @Tags Enrollments
// @Produce json
// @Param identityId path string true "Identity ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{identityId} [get]
func (h *EnrollmentHandler) Status(c *gin.Context) {
	status, err := h.enrollments.Status(c.Request.Context(), c.Param("identityId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Delete godoc
// @Summary Deactivate an identity's enrollment
// @Tags Enrollments
// @Produce json
// @Param identityId path string true "Identity ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{identityId} [delete]
func (h *EnrollmentHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	prior, err := h.enrollments.Delete(c.Request.Context(), claims.UserID, c.Param("identityId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, prior, nil)
}

// Attempts godoc
// @Summary Enrollment attempt ledger
// @Tags Enrollments
// @Produce json
// @Param identityId path string true "Identity ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{identityId}/attempts [get]
func (h *EnrollmentHandler) Attempts(c *gin.Context) {
	page, size := pageParams(c)
	rows, pagination, err := h.enrollments.Attempts(c.Request.Context(), c.Param("identityId"), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	if rows == nil {
		rows = []models.EnrollmentAttempt{}
	}
	response.JSON(c, http.StatusOK, rows, pagination)
}

// Statistics godoc
// @Summary Enrollment coverage statistics
// @Tags Enrollments
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /enrollments/statistics [get]
func (h *EnrollmentHandler) Statistics(c *gin.Context) {
	stats, err := h.enrollments.Statistics(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
