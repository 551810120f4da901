package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.Claims(c)
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, size
}

// dateParam parses an optional YYYY-MM-DD query value. Empty yields the zero time.
func dateParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, name+" must be formatted as YYYY-MM-DD")
	}
	return d, nil
}

func invalidPayload(err error) error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
}
