package handler

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/service"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type enrollmentServiceMock struct {
	got       service.EnrollRequest
	result    *models.EnrollmentResult
	err       error
	status    *models.EnrollmentStatus
	deletedBy string
	attempts  []models.EnrollmentAttempt
}

func (m *enrollmentServiceMock) Enroll(ctx context.Context, req service.EnrollRequest) (*models.EnrollmentResult, error) {
	m.got = req
	return m.result, m.err
}

func (m *enrollmentServiceMock) Status(ctx context.Context, identityID string) (*models.EnrollmentStatus, error) {
	return m.status, m.err
}

func (m *enrollmentServiceMock) Delete(ctx context.Context, actorID, identityID string) (*models.FaceEnrollment, error) {
	m.deletedBy = actorID
	return &models.FaceEnrollment{IdentityID: identityID}, m.err
}

func (m *enrollmentServiceMock) Attempts(ctx context.Context, identityID string, page, size int) ([]models.EnrollmentAttempt, *models.Pagination, error) {
	return m.attempts, &models.Pagination{Page: page, PageSize: size}, m.err
}

func (m *enrollmentServiceMock) Statistics(ctx context.Context) (*models.EnrollmentStatistics, error) {
	return &models.EnrollmentStatistics{}, m.err
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestEnrollmentHandlerEnroll(t *testing.T) {
	mock := &enrollmentServiceMock{result: &models.EnrollmentResult{IdentityID: "id-1"}}
	h := NewEnrollmentHandler(mock, 1<<20)

	body, contentType := multipartBody(t, "media", "capture.zip", []byte("zip-bytes"))
	c, w := newGinContext(http.MethodPost, "/enrollments/id-1", body.Bytes())
	c.Request.Header.Set("Content-Type", contentType)
	c.Params = []gin.Param{{Key: "identityId", Value: "id-1"}}
	withClaims(c, "admin-1", models.RoleAdmin)

	h.Enroll(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "id-1", mock.got.IdentityID)
	assert.Equal(t, "capture.zip", mock.got.Filename)
	assert.Equal(t, []byte("zip-bytes"), mock.got.Data)
	assert.Equal(t, "admin-1", mock.got.ActorID)
}

func TestEnrollmentHandlerRejectsMissingFile(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{}, 1<<20)
	body, contentType := multipartBody(t, "other", "x.zip", []byte("x"))
	c, w := newGinContext(http.MethodPost, "/enrollments/id-1", body.Bytes())
	c.Request.Header.Set("Content-Type", contentType)

	h.Enroll(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrInput.Code, decodeEnvelope(t, w).Error.Code)
}

func TestEnrollmentHandlerRejectsOversizedUpload(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{}, 1024)
	body, contentType := multipartBody(t, "media", "big.mp4", bytes.Repeat([]byte{1}, 4096))
	c, w := newGinContext(http.MethodPost, "/enrollments/id-1", body.Bytes())
	c.Request.Header.Set("Content-Type", contentType)

	h.Enroll(c)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestEnrollmentHandlerMapsServiceErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"duplicate":    {appErrors.ErrDuplicateFace, http.StatusConflict},
		"insufficient": {appErrors.ErrInsufficientFaces, http.StatusUnprocessableEntity},
		"unsupported":  {appErrors.ErrUnsupportedMedia, http.StatusUnsupportedMediaType},
		"provider":     {appErrors.ErrVerificationUnavailable, http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewEnrollmentHandler(&enrollmentServiceMock{err: tc.err}, 1<<20)
			body, contentType := multipartBody(t, "media", "clip.mp4", []byte("x"))
			c, w := newGinContext(http.MethodPost, "/enrollments/id-1", body.Bytes())
			c.Request.Header.Set("Content-Type", contentType)

			h.Enroll(c)

			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestEnrollmentHandlerDeleteRequiresClaims(t *testing.T) {
	mock := &enrollmentServiceMock{}
	h := NewEnrollmentHandler(mock, 0)

	c, w := newGinContext(http.MethodDelete, "/enrollments/id-1", nil)
	h.Delete(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newGinContext(http.MethodDelete, "/enrollments/id-1", nil)
	c.Params = []gin.Param{{Key: "identityId", Value: "id-1"}}
	withClaims(c, "admin-1", models.RoleAdmin)
	h.Delete(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin-1", mock.deletedBy)
}

func TestEnrollmentHandlerAttemptsPagination(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{}, 0)
	c, w := newGinContext(http.MethodGet, "/enrollments/id-1/attempts?page=2&limit=5", nil)

	h.Attempts(c)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.JSONEq(t, "[]", string(env.Data))
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 2, env.Pagination.Page)
	assert.Equal(t, 5, env.Pagination.PageSize)
}
