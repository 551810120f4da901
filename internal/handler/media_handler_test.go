package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/pkg/storage"
)

func TestMediaHandlerServesSignedFile(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	rel, err := store.Save("thumbnails/id-1.jpg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Minute)
	token, _, err := signer.Generate("id-1", rel)
	require.NoError(t, err)

	h := NewMediaHandler(signer, store)
	c, w := newGinContext(http.MethodGet, "/media/"+token, nil)
	c.Params = gin.Params{{Key: "token", Value: token}}
	h.Download(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
}

func TestMediaHandlerRejectsForgedToken(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	h := NewMediaHandler(storage.NewSignedURLSigner("secret", time.Minute), store)

	other, _, err := storage.NewSignedURLSigner("other", time.Minute).Generate("id-1", "thumbnails/id-1.jpg")
	require.NoError(t, err)
	c, w := newGinContext(http.MethodGet, "/media/x", nil)
	c.Params = gin.Params{{Key: "token", Value: other}}
	h.Download(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
