package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/dto"
	"github.com/noah-isme/faceattend-api/internal/service"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

// Pinger is satisfied by *sqlx.DB and by a small adapter over the Redis client.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// PingContext implements Pinger.
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	checks  map[string]Pinger
}

// NewMetricsHandler constructs a metrics handler. checks are probed by Ready;
// nil entries are reported as disabled.
func NewMetricsHandler(metrics *service.MetricsService, checks map[string]Pinger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, checks: checks}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready probes every dependency and answers 503 when one of them is down.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	out := dto.ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, p := range h.checks {
		if p == nil {
			out.Checks[name] = "disabled"
			continue
		}
		if err := p.PingContext(ctx); err != nil {
			out.Checks[name] = err.Error()
			out.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		out.Checks[name] = "ok"
	}
	c.JSON(status, out)
}

// Summary returns the aggregated counters in the response envelope.
func (h *MetricsHandler) Summary(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
