package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageSaveOpenDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	name, err := store.Save("thumbnails/abc.webp", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "thumbnails/abc.webp", name)

	f, err := store.Open(name)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(name))
	require.NoError(t, store.Delete(name))
	_, err = os.Stat(store.Path(name))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStorageRejectsEscapingPaths(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("../outside.txt", []byte("x"))
	assert.Error(t, err)
	_, err = store.Save("/etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestLocalStorageCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)

	_, err = store.Save("snapshots/old.jpg", []byte("old"))
	require.NoError(t, err)
	_, err = store.Save("snapshots/new.jpg", []byte("new"))
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "snapshots/old.jpg"), past, past))

	deleted, err := store.CleanupOlderThan("snapshots", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("snapshots", "old.jpg")}, deleted)
}
