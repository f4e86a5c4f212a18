//go:build integration

// Package integration runs dune-cache's promote/restore/trim cycle as an
// external user would: through the public API only, against a real
// temporary directory on disk, with no mocked filesystem.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	dunecache "github.com/gf3/dune-cache"
	"github.com/stretchr/testify/require"
)

func TestFullPromoteRestoreTrimCycle(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := dunecache.Open(root)
	require.NoError(t, err)

	buildDir := t.TempDir()
	outPath := filepath.Join(buildDir, "app")
	require.NoError(t, os.WriteFile(outPath, []byte("binary content"), 0o755))

	ruleDigest := dunecache.BytesDigest([]byte("//cmd/app:build"))
	require.NoError(t, store.Promote(ruleDigest, []dunecache.PromoteOutput{
		{Name: "app", LocalPath: outPath, Executable: true},
	}))

	destDir := t.TempDir()
	result, err := store.Restore(ruleDigest, destDir)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)

	got, err := os.ReadFile(filepath.Join(destDir, "app"))
	require.NoError(t, err)
	require.Equal(t, "binary content", string(got))

	// Nothing is reclaimable yet: the restored copy keeps the file entry's
	// hard-link count above one.
	trimResult, err := store.Trim(context.Background(), dunecache.GoalSize(0))
	require.NoError(t, err)
	require.Zero(t, trimResult.FreedBytes)

	// Remove the restored copy; the entry is now only referenced by the
	// store itself and becomes reclaimable.
	require.NoError(t, os.Remove(filepath.Join(destDir, "app")))
	trimResult, err = store.Trim(context.Background(), dunecache.GoalSize(0))
	require.NoError(t, err)
	require.Equal(t, int64(len("binary content")), trimResult.FreedBytes)

	// The metadata entry survives Phase B; a later restore surfaces the
	// missing file entry as corruption rather than quietly succeeding.
	_, err = store.Restore(ruleDigest, t.TempDir())
	require.ErrorIs(t, err, dunecache.ErrCorrupt)
}

func TestConcurrentPromoteOfSameRuleCoalesces(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := dunecache.Open(root)
	require.NoError(t, err)

	buildDir := t.TempDir()
	outPath := filepath.Join(buildDir, "out.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("shared output"), 0o644))

	ruleDigest := dunecache.BytesDigest([]byte("//lib:gen"))
	outputs := []dunecache.PromoteOutput{{Name: "out.txt", LocalPath: outPath, Executable: false}}

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			errs <- store.Promote(ruleDigest, outputs)
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	entries, err := store.OverheadSize()
	require.NoError(t, err)
	require.Positive(t, entries.Total)

	destDir := t.TempDir()
	result, err := store.Restore(ruleDigest, destDir)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
}
