package dunecache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/gf3/dune-cache/internal/platform"
)

// Goal describes when a trim should stop. Build it with [GoalSize] or
// [GoalFreed], never by constructing Goal directly — the zero Goal trims
// nothing (spec.md §4.5: "a goal of zero bytes to free is a no-op, not an
// error").
type Goal struct {
	kind   goalKind
	target int64
}

type goalKind int

const (
	goalNone goalKind = iota
	goalSize
	goalFreed
)

// GoalSize asks the trimmer to evict unused file entries, ctime-oldest
// first, until the total size of the remaining unused file entries (the
// overhead reported by [Store.OverheadSize]) is at or below targetBytes.
// Entries still hard-linked from a build tree never count toward that total.
func GoalSize(targetBytes int64) Goal {
	if targetBytes < 0 {
		targetBytes = 0
	}
	return Goal{kind: goalSize, target: targetBytes}
}

// GoalFreed asks the trimmer to evict unused file entries, ctime-oldest
// first, until at least targetBytes have been reclaimed.
func GoalFreed(targetBytes int64) Goal {
	if targetBytes < 0 {
		targetBytes = 0
	}
	return Goal{kind: goalFreed, target: targetBytes}
}

func (g Goal) satisfied(totalSize, freed int64) bool {
	switch g.kind {
	case goalSize:
		return totalSize <= g.target
	case goalFreed:
		return freed >= g.target
	default:
		return true
	}
}

// TrimResult reports what a Trim or GarbageCollect call did.
type TrimResult struct {
	// FreedBytes is the total size of unused file entries removed in
	// Phase B. Always zero for GarbageCollect, which runs Phase A only.
	FreedBytes int64
	// BrokenMetadataRemoved is the count of metadata entries removed in
	// Phase A because they were unparseable or referenced a missing file
	// entry.
	BrokenMetadataRemoved int
}

// fileEntry is one on-disk file-store entry discovered during a sweep,
// enriched with the stat fields the trimmer's ordering and liveness checks
// need.
type fileEntry struct {
	path  string
	size  int64
	nlink uint64
	ctime int64
}

// GarbageCollect runs Phase A only: it removes metadata entries that are
// unparseable or reference a file entry absent from the file version paired
// with their metadata version, across every supported metadata version
// (spec.md §4.5 step 1).
// It never removes a file entry, so it is always safe to run concurrently
// with any number of in-flight Promote/Restore calls.
func (s *Store) GarbageCollect(ctx context.Context) (TrimResult, error) {
	removed, err := s.sweepBrokenMetadata(ctx)
	return TrimResult{BrokenMetadataRemoved: removed}, err
}

// Trim runs both phases: Phase A (as GarbageCollect), then Phase B, which
// evicts unused file entries — those whose hard-link count is 1, meaning
// only the store itself references them (spec.md §4.5 step 2; see
// internal/platform for the Nlink extraction) — in ascending ctime order,
// tie-broken by path, until goal is satisfied or there is nothing left to
// evict. ctx is checked once per candidate entry, before each unlink, so a
// cancellation lands between removals rather than mid-removal.
func (s *Store) Trim(ctx context.Context, goal Goal) (TrimResult, error) {
	brokenRemoved, err := s.sweepBrokenMetadata(ctx)
	if err != nil {
		return TrimResult{BrokenMetadataRemoved: brokenRemoved}, err
	}

	entries, totalSize, err := s.listUnusedFileEntries()
	if err != nil {
		return TrimResult{BrokenMetadataRemoved: brokenRemoved}, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ctime == entries[j].ctime {
			return entries[i].path < entries[j].path
		}
		return entries[i].ctime < entries[j].ctime
	})

	var freed int64
	for _, e := range entries {
		if goal.satisfied(totalSize-freed, freed) {
			break
		}
		select {
		case <-ctx.Done():
			return TrimResult{FreedBytes: freed, BrokenMetadataRemoved: brokenRemoved}, ctx.Err()
		default:
		}
		if err := os.Remove(e.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return TrimResult{FreedBytes: freed, BrokenMetadataRemoved: brokenRemoved}, fmt.Errorf("remove unused entry: %w", err)
		}
		freed += e.size
	}

	s.log().Info("trim complete", "freed_bytes", freed, "broken_metadata_removed", brokenRemoved)
	return TrimResult{FreedBytes: freed, BrokenMetadataRemoved: brokenRemoved}, nil
}

// sweepBrokenMetadata implements Phase A (spec.md §4.5 step 1): for every
// supported metadata version, every entry is parsed; an entry is removed if
// it fails to parse, or if it is a Metadata record naming a digest absent
// from the file version paired with that metadata version. Value records
// are never removed by this sweep (spec.md §4.5 step 2, §9 Open Question:
// values/ is not pruned by this design).
func (s *Store) sweepBrokenMetadata(ctx context.Context) (int, error) {
	removed := 0
	for _, metaVersion := range SupportedMetaVersions() {
		fileVersion, ok := FileVersionFor(metaVersion)
		if !ok {
			continue
		}
		metaDir := s.layout.ArtifactDir(KindMeta, metaVersion)
		entries, err := ListEntries(metaDir)
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return removed, ctx.Err()
			default:
			}
			broken, err := s.metadataEntryIsBroken(entry.Path, fileVersion)
			if err != nil {
				return removed, err
			}
			if !broken {
				continue
			}
			if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("remove broken metadata entry: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) metadataEntryIsBroken(path string, fileVersion int) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ListEntries, not user input
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read metadata entry %s: %w", path, err)
	}

	rec, err := ParseMetadata(data)
	if err != nil {
		return true, nil
	}
	if rec.Value != nil {
		return false, nil
	}
	for _, out := range rec.Metadata.Outputs {
		entryPath, err := s.layout.EntryPath(KindFiles, fileVersion, out.Digest)
		if err != nil {
			return true, nil
		}
		if _, err := os.Stat(entryPath); errors.Is(err, fs.ErrNotExist) {
			return true, nil
		} else if err != nil {
			return false, fmt.Errorf("stat file entry %s: %w", entryPath, err)
		}
	}
	return false, nil
}

// listUnusedFileEntries enumerates every file-store entry across every
// supported file version and returns the subset whose hard-link count
// indicates no build tree still references them, alongside the total size
// of just that unused subset (used by it to evaluate [GoalSize]: spec.md
// §4.5 defines the size goal over "the total overhead size (the sum of
// sizes of unused file entries)" only, never live ones).
func (s *Store) listUnusedFileEntries() ([]fileEntry, int64, error) {
	var unused []fileEntry
	var total int64
	for _, fileVersion := range SupportedFileVersions() {
		dir := s.layout.ArtifactDir(KindFiles, fileVersion)
		entries, err := unusedEntriesInDir(dir)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range entries {
			total += e.size
		}
		unused = append(unused, entries...)
	}
	return unused, total, nil
}

// unusedEntriesInDir stats every file-store entry under dir and returns the
// subset whose hard-link count is 1, meaning only the store itself
// references them (spec.md §4.5, invariant 6). Entries still linked from a
// build tree (Nlink > 1) are omitted entirely, not merely marked live,
// since every caller of this helper only ever wants the reclaimable subset.
func unusedEntriesInDir(dir string) ([]fileEntry, error) {
	entries, err := ListEntries(dir)
	if err != nil {
		return nil, err
	}
	var unused []fileEntry
	for _, entry := range entries {
		info, err := os.Stat(entry.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat file entry %s: %w", entry.Path, err)
		}

		st, err := platform.FromFileInfo(info)
		if err != nil {
			if errors.Is(err, platform.ErrUnsupported) {
				continue
			}
			return nil, fmt.Errorf("stat link count for %s: %w", entry.Path, err)
		}
		if st.Nlink > 1 {
			continue
		}
		unused = append(unused, fileEntry{path: entry.Path, size: info.Size(), nlink: st.Nlink, ctime: st.Ctime})
	}
	return unused, nil
}
