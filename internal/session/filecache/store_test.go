package filecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

func record(uid string) session.Record {
	return session.Record{
		Identity: session.Identity{UID: uid, BrowserID: "b-" + uid},
		Owner:    "owner1",
		SavedAt:  time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}
}

func TestStoreSaveLoadDelete(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "sessions.toml")
	store, err := NewStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "http://p1:8080")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "http://p1:8080", record("u1")))
	require.NoError(t, store.Save(ctx, "http://p2:8080", record("u2")))
	require.NoError(t, store.Save(ctx, "http://p1:8080", record("u3")))

	got, ok, err := store.Load(ctx, "http://p1:8080")
	require.NoError(t, err)
	require.True(t, ok)
	want := record("u3")
	assert.Equal(t, want.Identity, got.Identity)
	assert.Equal(t, want.Owner, got.Owner)
	assert.True(t, want.SavedAt.Equal(got.SavedAt))

	require.NoError(t, store.Delete(ctx, "http://p1:8080"))
	_, ok, err = store.Load(ctx, "http://p1:8080")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err = store.Load(ctx, "http://p2:8080")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u2", got.UID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(cacheFileMode), info.Mode().Perm())
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.toml")
	ctx := context.Background()

	first, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "http://p1:8080", record("u1")))

	second, err := NewStore(path)
	require.NoError(t, err)
	got, ok, err := second.Load(ctx, "http://p1:8080")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UID)
}

func TestStoreRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 9\n"), 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)
	_, _, err = store.Load(context.Background(), "http://p1:8080")
	assert.ErrorContains(t, err, "version 9")
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.toml"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Save(ctx, "p", record("u1")), context.Canceled)
}

func TestNewStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewStore("")
	assert.Error(t, err)
}
