package handler

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
	"github.com/noah-isme/faceattend-api/pkg/response"
)

type tokenParser interface {
	Parse(token string, allowExpired bool) (resourceID, relPath string, expiresAt time.Time, err error)
}

type blobOpener interface {
	Open(filename string) (*os.File, error)
}

// MediaHandler serves stored thumbnails and snapshots behind signed tokens.
type MediaHandler struct {
	signer tokenParser
	store  blobOpener
}

// NewMediaHandler constructs MediaHandler.
func NewMediaHandler(signer tokenParser, store blobOpener) *MediaHandler {
	return &MediaHandler{signer: signer, store: store}
}

// Download godoc
// @Summary Fetch a stored enrollment thumbnail or attendance snapshot
// @Tags Media
// @Produce image/jpeg
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /media/{token} [get]
func (h *MediaHandler) Download(c *gin.Context) {
	_, rel, _, err := h.signer.Parse(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired media link"))
		return
	}
	file, err := h.store.Open(rel)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "media not found"))
		return
	}
	defer file.Close() //nolint:errcheck
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read media"))
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(rel))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}
