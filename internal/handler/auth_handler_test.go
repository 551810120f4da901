package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/faceattend-api/internal/models"
)

func TestAuthHandlerMe(t *testing.T) {
	h := NewAuthHandler()

	c, w := newGinContext(http.MethodGet, "/auth/me", nil)
	h.Me(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newGinContext(http.MethodGet, "/auth/me", nil)
	withClaims(c, "teacher-1", models.RoleTeacher)
	h.Me(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"TEACHER"`)
}
