// internal/workflow/file_store_test.go
package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "learned"), zap.NewNop())
	require.NoError(t, err)

	original := sampleWorkflow()
	original.SuccessCount = 3
	require.NoError(t, store.Save(ctx, original))

	loaded, err := store.Load(ctx, "sandbar_review")
	require.NoError(t, err)
	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Errorf("workflow mismatch (-want +got):\n%s", diff)
	}

	byPath, err := store.Load(ctx, store.Path("sandbar_review"))
	require.NoError(t, err)
	assert.Equal(t, original.Name, byPath.Name)
}

func TestFileStore_DocumentLayout(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleWorkflow()))

	data, err := os.ReadFile(store.Path("sandbar_review"))
	require.NoError(t, err)
	doc := string(data)

	// Top-level keys appear in document order.
	order := []string{"name:", "description:", "created_at:", "last_trained:", "success_count:", "failure_count:", "steps:"}
	last := -1
	for _, key := range order {
		idx := strings.Index(doc, "\n"+key)
		if key == "name:" {
			idx = strings.Index(doc, key)
		}
		require.GreaterOrEqual(t, idx, 0, key)
		assert.Greater(t, idx, last, "%s out of order", key)
		last = idx
	}
	assert.Contains(t, doc, "user_hint: use the sidebar")
	assert.NotContains(t, doc, "selector: \"\"", "empty optionals are omitted")
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_LoadUsesFileStemWhenUnnamed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	path := filepath.Join(dir, "legacy.yml")
	require.NoError(t, os.WriteFile(path, []byte("description: old task\nsteps: []\n"), 0o644))

	w, err := store.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "legacy", w.Name)
	assert.Equal(t, "old task", w.Description)
}

func TestFileStore_List(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	for _, name := range []string{"zeta", "alpha"} {
		require.NoError(t, store.Save(ctx, New(name, "d", fixedNow)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, store.Save(context.Background(), &LearnedWorkflow{}))
}

func TestFileStore_SavesBackToLoadedPath(t *testing.T) {
	ctx := context.Background()
	storeDir := t.TempDir()
	store, err := NewFileStore(storeDir, zap.NewNop())
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "shared", "kyc_refresh.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(outside), 0o755))
	other, err := NewFileStore(filepath.Dir(outside), zap.NewNop())
	require.NoError(t, err)
	original := New("kyc_refresh", "refresh KYC", fixedNow)
	require.NoError(t, other.Save(ctx, original))

	w, err := store.Load(ctx, outside)
	require.NoError(t, err)
	w.RecordReplay(true)
	require.NoError(t, store.Save(ctx, w))

	reloaded, err := store.Load(ctx, outside)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.SuccessCount)

	_, err = os.Stat(store.Path("kyc_refresh"))
	assert.ErrorIs(t, err, os.ErrNotExist, "no copy is written into the store directory")
	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
