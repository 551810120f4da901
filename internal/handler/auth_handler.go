package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

// AuthHandler exposes the caller's identity as seen by the API. Tokens are
// issued by the account system or by faceattendctl.
type AuthHandler struct{}

// NewAuthHandler creates a new handler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// Me godoc
// @Summary Current token claims
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"user_id":    claims.UserID,
		"role":       claims.Role,
		"email":      claims.Email,
		"full_name":  claims.FullName,
		"expires_at": claims.ExpiresAt,
	}, nil)
}
