package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/mailkite/internal/config"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "imports/abc/list.csv", strings.NewReader("email\njane@example.org\n")))

	r, err := store.Get(ctx, "imports/abc/list.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "email\njane@example.org\n", string(data))

	require.NoError(t, store.Delete(ctx, "imports/abc/list.csv"))
	_, err = store.Get(ctx, "imports/abc/list.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorePutOverwrites(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", strings.NewReader("first")))
	require.NoError(t, store.Put(ctx, "k", strings.NewReader("second")))

	r, err := store.Get(ctx, "k")
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "second", string(data))
}

func TestLocalStoreRejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	// Traversal segments are cleaned away; the write stays inside root.
	require.NoError(t, store.Put(context.Background(), "../../etc/passwd", strings.NewReader("x")))
	assert.True(t, strings.HasPrefix(store.path("../../etc/passwd"), root))
}

func TestLocalStoreDeleteMissingIsNoop(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "never-existed"))
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(context.Background(), config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(context.Background(), config.StorageConfig{Type: "ftp"})
	assert.Error(t, err)
}
