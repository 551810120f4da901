package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/export"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

type attendanceService interface {
	ClockIn(ctx context.Context, req models.ClockInRequest) (*models.ClockResult, error)
	ClockOut(ctx context.Context, req models.ClockOutRequest) (*models.ClockResult, error)
	Override(ctx context.Context, actor *models.JWTClaims, req models.OverrideRequest) (*models.AttendanceRecord, error)
	Status(ctx context.Context, userID, sessionID string) (*models.AttendanceStatusView, error)
	SessionRoster(ctx context.Context, sessionID string, date time.Time) (*models.Roster, error)
	ExportRoster(ctx context.Context, sessionID string, date time.Time, format export.Format) ([]byte, string, error)
}

// LiveFeed streams notifications to SSE clients.
type LiveFeed interface {
	Listen(ctx context.Context, channels ...string) (<-chan models.Notification, func(), error)
	Recent(ctx context.Context, limit int) ([]models.Notification, error)
}

// AttendanceHandler exposes clock-in, clock-out and session attendance endpoints.
type AttendanceHandler struct {
	attendance attendanceService
	feed       LiveFeed
	heartbeat  time.Duration
}

// NewAttendanceHandler constructs AttendanceHandler. feed may be nil when
// notifications are disabled; streams then answer 503.
func NewAttendanceHandler(attendance attendanceService, feed LiveFeed, heartbeat time.Duration) *AttendanceHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &AttendanceHandler{attendance: attendance, feed: feed, heartbeat: heartbeat}
}

type clockPayload struct {
	SessionID string `json:"session_id" binding:"required"`
	Snapshot  string `json:"snapshot" binding:"required"`
}

// ClockIn godoc
// @Summary Clock in with a face snapshot
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body clockPayload true "Session and snapshot"
// @Success 201 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance/clock-in [post]
func (h *AttendanceHandler) ClockIn(c *gin.Context) {
	h.clock(c, http.StatusCreated, h.attendance.ClockIn)
}

// ClockOut godoc
// @Summary Clock out with a face snapshot
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body clockPayload true "Session and snapshot"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /attendance/clock-out [post]
func (h *AttendanceHandler) ClockOut(c *gin.Context) {
	h.clock(c, http.StatusOK, h.attendance.ClockOut)
}

func (h *AttendanceHandler) clock(c *gin.Context, status int, fn func(context.Context, models.ClockInRequest) (*models.ClockResult, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload clockPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	result, err := fn(c.Request.Context(), models.ClockInRequest{
		UserID:    claims.UserID,
		SessionID: payload.SessionID,
		Snapshot:  payload.Snapshot,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, status, result, nil, middleware.ExtractMeta(c))
}

// Status godoc
// @Summary Caller's attendance state for a session today
// @Tags Attendance
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /attendance/status/{sessionId} [get]
func (h *AttendanceHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.attendance.Status(c.Request.Context(), claims.UserID, c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Override godoc
// @Summary Manually correct an attendance record
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body models.OverrideRequest true "Override"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /attendance/override [post]
func (h *AttendanceHandler) Override(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	record, err := h.attendance.Override(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Roster godoc
// @Summary Session attendance roster
// @Tags Sessions
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param date query string false "Day (YYYY-MM-DD), defaults to the session date"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/attendance [get]
func (h *AttendanceHandler) Roster(c *gin.Context) {
	date, err := dateParam(c, "date")
	if err != nil {
		response.Error(c, err)
		return
	}
	roster, err := h.attendance.SessionRoster(c.Request.Context(), c.Param("sessionId"), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster, nil)
}

// Export godoc
// @Summary Export the session roster
// @Tags Sessions
// @Produce text/csv
// @Produce application/pdf
// @Param sessionId path string true "Session ID"
// @Param date query string false "Day (YYYY-MM-DD)"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /sessions/{sessionId}/attendance/export [get]
func (h *AttendanceHandler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	date, err := dateParam(c, "date")
	if err != nil {
		response.Error(c, err)
		return
	}
	content, filename, err := h.attendance.ExportRoster(c.Request.Context(), c.Param("sessionId"), date, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, int64(len(content)), format.ContentType(), bytes.NewReader(content), nil)
}

// Stream godoc
// @Summary Live attendance events for a session (Server-Sent Events)
// @Tags Sessions
// @Produce text/event-stream
// @Param sessionId path string true "Session ID"
// @Success 200 {string} string "event stream"
// @Failure 503 {object} response.Envelope
// @Router /sessions/{sessionId}/stream [get]
func (h *AttendanceHandler) Stream(c *gin.Context) {
	if h.feed == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotificationsUnavailable, "live updates unavailable"))
		return
	}
	channels := []string{models.SessionChannel(c.Param("sessionId"))}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleTeacher {
		channels = append(channels, models.OwnerChannel(claims.UserID))
	}
	events, stop, err := h.feed.Listen(c.Request.Context(), channels...)
	if err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrNotificationsUnavailable, "live updates unavailable"))
		return
	}
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"channels": channels})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			return true
		case n, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(n.Type, n)
			return true
		}
	})
}

// Recent godoc
// @Summary Most recent notifications, for clients resuming a stream
// @Tags Sessions
// @Produce json
// @Param limit query int false "Maximum events"
// @Success 200 {object} response.Envelope
// @Router /notifications/recent [get]
func (h *AttendanceHandler) Recent(c *gin.Context) {
	if h.feed == nil {
		response.JSON(c, http.StatusOK, []models.Notification{}, nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.feed.Recent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrNotificationsUnavailable, ""))
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}
