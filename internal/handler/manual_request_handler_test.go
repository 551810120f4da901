package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/dto"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

type manualRequestServiceMock struct {
	submitted models.SubmitManualRequest
	decided   models.DecideManualRequest
	filter    models.ManualRequestFilter
	err       error
}

func (m *manualRequestServiceMock) Submit(ctx context.Context, req models.SubmitManualRequest) (*models.ManualRequest, error) {
	m.submitted = req
	return &models.ManualRequest{ID: "mr-1", Status: models.ManualRequestPending}, m.err
}

func (m *manualRequestServiceMock) Decide(ctx context.Context, actor *models.JWTClaims, req models.DecideManualRequest) (*models.ManualRequest, error) {
	m.decided = req
	if m.err != nil {
		return nil, m.err
	}
	status := models.ManualRequestRejected
	if req.Approve {
		status = models.ManualRequestApproved
	}
	return &models.ManualRequest{ID: req.RequestID, Status: status}, nil
}

func (m *manualRequestServiceMock) List(ctx context.Context, actor *models.JWTClaims, filter models.ManualRequestFilter) ([]models.ManualRequestView, *models.Pagination, *models.ManualRequestStats, error) {
	m.filter = filter
	return nil, &models.Pagination{Page: 1, PageSize: 20}, &models.ManualRequestStats{Pending: 2, Total: 3}, m.err
}

func TestManualRequestHandlerSubmit(t *testing.T) {
	mock := &manualRequestServiceMock{}
	h := NewManualRequestHandler(mock)

	c, w := newGinContext(http.MethodPost, "/manual-requests", mustJSON(t, map[string]string{"session_id": handlerIdentity, "reason": "camera failed"}))
	withClaims(c, "user-1", models.RoleStudent)
	h.Submit(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "user-1", mock.submitted.UserID)
	assert.Equal(t, "camera failed", mock.submitted.Reason)
}

func TestManualRequestHandlerSubmitConflict(t *testing.T) {
	h := NewManualRequestHandler(&manualRequestServiceMock{err: appErrors.ErrPendingRequest})
	c, w := newGinContext(http.MethodPost, "/manual-requests", mustJSON(t, map[string]string{"session_id": handlerIdentity, "reason": "camera failed"}))
	withClaims(c, "user-1", models.RoleStudent)
	h.Submit(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestManualRequestHandlerApproveAndReject(t *testing.T) {
	mock := &manualRequestServiceMock{}
	h := NewManualRequestHandler(mock)

	c, w := newGinContext(http.MethodPost, "/manual-requests/mr-1/approve", mustJSON(t, dto.DecisionRequest{Note: "ok"}))
	c.Params = gin.Params{{Key: "id", Value: "mr-1"}}
	withClaims(c, "teacher-1", models.RoleTeacher)
	h.Approve(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mock.decided.Approve)
	assert.Equal(t, "ok", mock.decided.Note)
	assert.Equal(t, "mr-1", mock.decided.RequestID)

	c, w = newGinContext(http.MethodPost, "/manual-requests/mr-1/reject", nil)
	c.Params = gin.Params{{Key: "id", Value: "mr-1"}}
	withClaims(c, "teacher-1", models.RoleTeacher)
	h.Reject(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, mock.decided.Approve)
}

func TestManualRequestHandlerDecidedTwice(t *testing.T) {
	h := NewManualRequestHandler(&manualRequestServiceMock{err: appErrors.ErrRequestDecided})
	c, w := newGinContext(http.MethodPost, "/manual-requests/mr-1/approve", nil)
	withClaims(c, "admin-1", models.RoleAdmin)
	h.Approve(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestManualRequestHandlerListFilters(t *testing.T) {
	mock := &manualRequestServiceMock{}
	h := NewManualRequestHandler(mock)

	c, w := newGinContext(http.MethodGet, "/manual-requests?status=pending&session_id=s-1&page=2&limit=10", nil)
	withClaims(c, "admin-1", models.RoleAdmin)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, mock.filter.Status)
	assert.Equal(t, models.ManualRequestPending, *mock.filter.Status)
	assert.Equal(t, "s-1", mock.filter.SessionID)
	assert.Equal(t, 2, mock.filter.Page)
	assert.Equal(t, 10, mock.filter.PageSize)
	env := decodeEnvelope(t, w)
	assert.JSONEq(t, "[]", string(env.Data))
	assert.Contains(t, env.Meta, "stats")

	c, w = newGinContext(http.MethodGet, "/manual-requests?status=maybe", nil)
	withClaims(c, "admin-1", models.RoleAdmin)
	h.List(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
