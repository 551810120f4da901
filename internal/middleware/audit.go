package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// AuditWriter persists audit entries.
type AuditWriter interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// Audit records an audit entry after a successful request. resourceParam
// names the path parameter identifying the resource, if any.
func Audit(writer AuditWriter, action, resource, resourceParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if writer == nil || c.Writer.Status() >= 400 {
			return
		}

		entry := &models.AuditLog{
			Action:    action,
			Resource:  resource,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		}
		if claims := Claims(c); claims != nil {
			entry.UserID = &claims.UserID
		}
		if resourceParam != "" {
			if id := c.Param(resourceParam); id != "" {
				entry.ResourceID = &id
			}
		}
		entry.NewValues, _ = json.Marshal(map[string]interface{}{
			"path":    c.Request.URL.RequestURI(),
			"method":  c.Request.Method,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Milliseconds(),
		})

		_ = writer.Create(context.WithoutCancel(c.Request.Context()), entry)
	}
}
