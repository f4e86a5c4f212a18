package dunecache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimOnEmptyStoreIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	result, err := store.Trim(context.Background(), GoalSize(0))
	require.NoError(t, err)
	assert.Zero(t, result.FreedBytes)
	assert.Zero(t, result.BrokenMetadataRemoved)
}

// TestTrimPreservesLiveEntries exercises the second scenario from spec.md
// §8: an output still referenced by its rule's metadata entry must survive
// a trim even when the trim's goal would otherwise reclaim it, because its
// hard-link count is greater than one (the store's own entry plus whatever
// restored copies exist on disk link to the same inode — here, the
// original promoted source file does not add to the count since
// ensureFileEntry copies rather than links the producer's own output, so
// this test restores into a second directory first to create the second
// link that keeps the entry alive).
func TestTrimPreservesLiveEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()
	path := writeLocalFile(t, srcDir, "kept", []byte("keep me"), false)
	ruleDigest := BytesDigest([]byte("rule-keep"))
	require.NoError(t, store.Promote(ruleDigest, []PromoteOutput{
		{Name: "kept", LocalPath: path, Executable: false},
	}))

	destDir := t.TempDir()
	_, err := store.Restore(ruleDigest, destDir)
	require.NoError(t, err)

	result, err := store.Trim(context.Background(), GoalSize(0))
	require.NoError(t, err)
	assert.Zero(t, result.FreedBytes, "restored (multiply-linked) entry must not be reclaimed")

	entries, err := ListEntries(store.layout.ArtifactDir(KindFiles, CurrentFileVersion))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestTrimReclaimsUnusedEntry exercises the same scenario's negative case:
// an entry with no surviving hard link beyond the store's own copy is
// reclaimed under a zero-size goal.
func TestTrimReclaimsUnusedEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()
	path := writeLocalFile(t, srcDir, "orphan", []byte("reclaim me"), false)
	ruleDigest := BytesDigest([]byte("rule-orphan"))
	require.NoError(t, store.Promote(ruleDigest, []PromoteOutput{
		{Name: "orphan", LocalPath: path, Executable: false},
	}))

	result, err := store.Trim(context.Background(), GoalSize(0))
	require.NoError(t, err)
	assert.Equal(t, int64(len("reclaim me")), result.FreedBytes)

	entries, err := ListEntries(store.layout.ArtifactDir(KindFiles, CurrentFileVersion))
	require.NoError(t, err)
	assert.Len(t, entries, 0)

	// The metadata entry itself is untouched by Phase B; only Phase A, on a
	// later run, would remove it now that it references a missing file.
	_, err = store.Restore(ruleDigest, t.TempDir())
	assert.ErrorIs(t, err, ErrCorrupt)
}

// TestTrimReclaimsCtimeOldestFirst exercises the third scenario from
// spec.md §8: when a goal requires reclaiming only some unused entries,
// the oldest (by ctime) is evicted first.
func TestTrimReclaimsCtimeOldestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()

	oldPath := writeLocalFile(t, srcDir, "old", []byte("0123456789"), false)
	require.NoError(t, store.Promote(BytesDigest([]byte("rule-old")), []PromoteOutput{
		{Name: "old", LocalPath: oldPath, Executable: false},
	}))

	time.Sleep(10 * time.Millisecond) // ensure a distinguishable ctime ordering

	newPath := writeLocalFile(t, srcDir, "new", []byte("abcdefghij"), false)
	require.NoError(t, store.Promote(BytesDigest([]byte("rule-new")), []PromoteOutput{
		{Name: "new", LocalPath: newPath, Executable: false},
	}))

	// Goal: shrink to one entry's worth of bytes, which can only be
	// satisfied by evicting the older entry first.
	result, err := store.Trim(context.Background(), GoalSize(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.FreedBytes)

	entries, err := ListEntries(store.layout.ArtifactDir(KindFiles, CurrentFileVersion))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	remaining, err := os.ReadFile(entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(remaining), "the newer entry should survive")
}

// TestTrimSizeGoalIgnoresLiveEntryBytes guards against computing the size
// goal's baseline over every file entry instead of just the unused ones:
// with a live (restored, multiply-linked) entry outweighing a separate
// unused entry, a goal already satisfied by the unused bytes alone must not
// keep evicting in a vain attempt to shrink the live bytes too.
func TestTrimSizeGoalIgnoresLiveEntryBytes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()

	livePath := writeLocalFile(t, srcDir, "live", []byte("0123456789"), false) // 10 bytes, kept
	liveDigest := BytesDigest([]byte("rule-live"))
	require.NoError(t, store.Promote(liveDigest, []PromoteOutput{
		{Name: "live", LocalPath: livePath, Executable: false},
	}))
	destDir := t.TempDir()
	_, err := store.Restore(liveDigest, destDir) // bumps Nlink above 1
	require.NoError(t, err)

	unusedPath := writeLocalFile(t, srcDir, "unused", []byte("abcde"), false) // 5 bytes, reclaimable
	require.NoError(t, store.Promote(BytesDigest([]byte("rule-unused")), []PromoteOutput{
		{Name: "unused", LocalPath: unusedPath, Executable: false},
	}))

	// True overhead (unused-only) is 5 bytes, already at or under this goal;
	// the live entry's 10 bytes must never be folded into the baseline.
	result, err := store.Trim(context.Background(), GoalSize(5))
	require.NoError(t, err)
	assert.Zero(t, result.FreedBytes, "goal already satisfied by unused bytes alone; must not evict")

	entries, err := ListEntries(store.layout.ArtifactDir(KindFiles, CurrentFileVersion))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "both the live and unused entries should survive")
}

// TestGarbageCollectDoesNotTouchUnusedFileEntries checks that GarbageCollect
// never runs Phase B: a merely-unused (but validly referenced) file entry is
// untouched, and its valid metadata entry is not counted as broken. Removal
// of a broken metadata entry is covered by
// TestGarbageCollectRemovesMetadataReferencingMissingFile.
func TestGarbageCollectDoesNotTouchUnusedFileEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()
	path := writeLocalFile(t, srcDir, "orphan", []byte("still here"), false)
	require.NoError(t, store.Promote(BytesDigest([]byte("rule-orphan")), []PromoteOutput{
		{Name: "orphan", LocalPath: path, Executable: false},
	}))

	result, err := store.GarbageCollect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.BrokenMetadataRemoved)

	entries, err := ListEntries(store.layout.ArtifactDir(KindFiles, CurrentFileVersion))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "GarbageCollect must never evict file entries")
}

func TestGarbageCollectRemovesMetadataReferencingMissingFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ruleDigest := BytesDigest([]byte("rule-version-mismatch"))
	encoded, err := EncodeMetadata(Metadata{Outputs: []OutputFile{
		{Name: "ghost", Digest: BytesDigest([]byte("never stored"))},
	}})
	require.NoError(t, err)
	require.NoError(t, store.writeMetadataEntry(ruleDigest, encoded))

	result, err := store.GarbageCollect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.BrokenMetadataRemoved)

	_, err = store.Restore(ruleDigest, t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrimRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srcDir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		path := writeLocalFile(t, srcDir, name, []byte(name), false)
		require.NoError(t, store.Promote(BytesDigest([]byte(name)), []PromoteOutput{
			{Name: name, LocalPath: path, Executable: false},
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Trim(ctx, GoalSize(0))
	assert.ErrorIs(t, err, context.Canceled)
}
