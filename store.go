package dunecache

import (
	"crypto/md5" //nolint:gosec // digest strength is not a security property here, see digest.go
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Restore when no metadata entry exists for the
// requested rule digest (spec.md §7, taxonomy "NotFound").
var ErrNotFound = errors.New("dunecache: not found")

// ErrCorrupt is returned by Restore when a metadata entry is unparseable or
// references a missing file entry (spec.md §7, taxonomy "Corrupt").
var ErrCorrupt = errors.New("dunecache: corrupt metadata entry")

// Store is the content-addressed cache rooted at one directory: the
// producer/consumer surface of spec.md §4.4 (promote/restore), layered over
// Layout and the metadata codec.
//
// Store has no in-process locks beyond the singleflight group that coalesces
// concurrent same-digest Promote calls (an optimization, not a correctness
// requirement — spec.md §5 requires the design to work correctly with zero
// locks at all, relying solely on rename(2)/link(2) atomicity). A *Store is
// safe for concurrent use by multiple goroutines, and multiple processes may
// open a *Store over the same root concurrently.
type Store struct {
	layout  Layout
	dirPerm fs.FileMode
	logger  *slog.Logger

	promoteGroup singleflight.Group
}

// Option configures a Store. The functional-options shape follows the
// teacher's client/cache/disk.Option convention.
type Option func(*Store)

// WithDirPerm sets the permission bits used when creating shard
// directories and Restore's destination directory. Defaults to 0o777
// (narrowed by umask). The scaffolding directories that Open creates
// (temp/ and the current files/, meta/ and values/ versions) always use
// 0o777 regardless of this option.
func WithDirPerm(mode fs.FileMode) Option {
	return func(s *Store) { s.dirPerm = mode }
}

// WithLogger attaches a structured logger. Defaults to a discard logger,
// matching the teacher's core/create.go fallback.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates the store's directory scaffolding (if absent) and returns a
// Store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{layout: Layout{Dir: dir}, dirPerm: 0o777}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.layout.CreateCacheDirectories(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.layout.Dir }

// PromoteOutput is one file a rule produced, ready to be promoted into the
// store.
type PromoteOutput struct {
	// Name is the output's basename relative to the rule's build directory.
	Name string
	// LocalPath is the path of the already-materialized file to promote.
	LocalPath string
	// Executable is true iff LocalPath's executable bit is set; it is part
	// of the content digest (spec.md §4.2).
	Executable bool
}

// Promote stores ruleDigest's outputs (spec.md §4.4): each output file is
// content-addressed into files/v<current> (a no-op if that digest is
// already present), and a single metadata entry binds ruleDigest to the
// ordered list of (name, digest) pairs. On success, every invariant in
// spec.md §3 holds for the new entries.
//
// Promote is idempotent: calling it twice with the same (ruleDigest,
// outputs) leaves the store in the same state and re-copies no bytes,
// because each output's file-entry write is itself a no-op once the digest
// already exists, and the metadata write is first-writer-wins.
func (s *Store) Promote(ruleDigest Digest, outputs []PromoteOutput) error {
	_, err, _ := s.promoteGroup.Do(ruleDigest.String(), func() (any, error) {
		return nil, s.promote(ruleDigest, outputs)
	})
	return err
}

func (s *Store) promote(ruleDigest Digest, outputs []PromoteOutput) error {
	meta := Metadata{Outputs: make([]OutputFile, 0, len(outputs))}
	for _, out := range outputs {
		if err := ValidateOutputName(out.Name); err != nil {
			return err
		}
		digest, err := ExecutableAwareFileDigest(out.LocalPath, out.Executable)
		if err != nil {
			return fmt.Errorf("digest output %q: %w", out.Name, err)
		}
		if err := s.ensureFileEntry(digest, out.LocalPath, out.Executable); err != nil {
			return fmt.Errorf("store output %q: %w", out.Name, err)
		}
		meta.Outputs = append(meta.Outputs, OutputFile{Name: out.Name, Digest: digest, Executable: out.Executable})
	}

	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return err
	}
	if err := s.writeMetadataEntry(ruleDigest, encoded); err != nil {
		return fmt.Errorf("write metadata for rule %s: %w", ruleDigest, err)
	}
	s.log().Debug("promoted rule", "rule", ruleDigest.String(), "outputs", len(outputs))
	return nil
}

// PromoteReaderOutput is one output produced as a stream rather than an
// already-materialized local file (SPEC_FULL §4, for callers that hold
// output content in memory or receive it over a pipe rather than as a file
// on disk).
type PromoteReaderOutput struct {
	Name       string
	Content    io.Reader
	Executable bool
}

// PromoteReader is Promote's streaming counterpart: it writes each output's
// content through a temp file (computing its digest along the way) before
// the atomic rename, mirroring the teacher's diskWriter.Commit path
// (cache/disk/cache.go).
func (s *Store) PromoteReader(ruleDigest Digest, outputs []PromoteReaderOutput) error {
	meta := Metadata{Outputs: make([]OutputFile, 0, len(outputs))}
	for _, out := range outputs {
		if err := ValidateOutputName(out.Name); err != nil {
			return err
		}
		digest, err := s.ensureFileEntryFromReader(out.Content, out.Executable)
		if err != nil {
			return fmt.Errorf("store output %q: %w", out.Name, err)
		}
		meta.Outputs = append(meta.Outputs, OutputFile{Name: out.Name, Digest: digest, Executable: out.Executable})
	}
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return err
	}
	return s.writeMetadataEntry(ruleDigest, encoded)
}

// ensureFileEntry makes sure a file entry exists for digest, copying
// localPath into place via temp-then-rename if it does not already
// (spec.md §4.4: "If F(Df) already exists, no copy is made").
func (s *Store) ensureFileEntry(digest Digest, localPath string, executable bool) error {
	finalPath, err := s.layout.EntryPath(KindFiles, CurrentFileVersion, digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat file entry: %w", err)
	}

	src, err := os.Open(localPath) //nolint:gosec // localPath is the build system's own output
	if err != nil {
		return err
	}
	defer src.Close()

	return s.writeTempThenRename(finalPath, executable, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

func (s *Store) ensureFileEntryFromReader(r io.Reader, executable bool) (Digest, error) {
	tmp, err := os.CreateTemp(s.layout.TempDir(), "file-*") //nolint:gosec // staging file, not secret
	if err != nil {
		return Digest{}, fmt.Errorf("create temp file entry: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; also drops the staging name once renameIntoPlace has linked it into place

	contentDigest, err := copyAndDigest(tmp, r)
	if err != nil {
		tmp.Close()
		return Digest{}, err
	}
	if err := applyPerm(tmp, executable); err != nil {
		tmp.Close()
		return Digest{}, err
	}
	if err := tmp.Close(); err != nil {
		return Digest{}, fmt.Errorf("close temp file entry: %w", err)
	}

	digest := ExecutableAwareDigest(contentDigest, executable)
	finalPath, err := s.layout.EntryPath(KindFiles, CurrentFileVersion, digest)
	if err != nil {
		return Digest{}, err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), s.dirPerm); err != nil {
		return Digest{}, fmt.Errorf("create shard directory: %w", err)
	}
	if err := renameIntoPlace(tmpPath, finalPath); err != nil {
		return Digest{}, err
	}
	return digest, nil
}

// copyAndDigest copies r into w, returning the content digest of the bytes
// copied. w and the hash both see every byte exactly once via io.MultiWriter.
func copyAndDigest(w io.Writer, r io.Reader) (Digest, error) {
	h := md5.New() //nolint:gosec // see digest.go
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// writeTempThenRename stages content written by write into temp/, sets its
// permission bits, and atomically renames it to finalPath. If finalPath
// already exists by the time of the rename (a concurrent promoter won the
// race), the staged file is discarded and the call still succeeds
// (spec.md §4.4: "no copy is made" is best-effort under races, not a hard
// guarantee against a redundant write racing to completion).
func (s *Store) writeTempThenRename(finalPath string, executable bool, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), s.dirPerm); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.layout.TempDir(), "file-*") //nolint:gosec // staging file, not secret
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; also drops the staging name once renameIntoPlace has linked it into place

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := applyPerm(tmp, executable); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return renameIntoPlace(tmpPath, finalPath)
}

// applyPerm sets a newly-staged file entry's permission bits to 0o666,
// with 0o111 added iff executable. It chmods after creation rather than
// relying on the create mode, the same way os.CreateTemp's own 0o600
// default is widened explicitly by callers that need different bits; the
// bits are set exactly, so the process umask is not applied.
func applyPerm(f *os.File, executable bool) error {
	mode := fs.FileMode(0o666)
	if executable {
		mode |= 0o111
	}
	return f.Chmod(mode)
}

// renameIntoPlace publishes the staged file at tmpPath as finalPath without
// ever replacing an existing entry: link(2) creates finalPath atomically and
// fails if it already exists. The staging name is left for the caller's
// deferred os.Remove to drop.
func renameIntoPlace(tmpPath, finalPath string) error {
	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another writer won the race; our copy is redundant.
			return nil
		}
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// writeMetadataEntry stages and atomically renames a metadata entry.
// First-writer-wins: if a metadata entry already exists at ruleDigest's
// path, the new one is discarded, since any existing MD(Dr) is correct —
// Dr uniquely identifies the rule's inputs (spec.md §4.4).
func (s *Store) writeMetadataEntry(ruleDigest Digest, encoded []byte) error {
	finalPath, err := s.layout.EntryPath(KindMeta, CurrentMetaVersion, ruleDigest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat metadata entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), s.dirPerm); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.layout.TempDir(), "meta-*") //nolint:gosec // staging file, not secret
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("rename metadata into place: %w", err)
	}
	return nil
}

// RestoreResult reports the outcome of a successful Restore.
type RestoreResult struct {
	// Outputs is the list of (name, digest) pairs that were hard-linked.
	Outputs []OutputFile
}

// Restore reads the metadata entry for ruleDigest and hard-links each
// referenced file entry into destDir (spec.md §4.4). If no metadata entry
// exists, it returns ErrNotFound. If any referenced file entry is missing —
// including the case where a concurrent trim raced this restore and won —
// it returns ErrCorrupt without rolling back the links already made; the
// caller is expected to re-execute the rule and overwrite destDir.
func (s *Store) Restore(ruleDigest Digest, destDir string) (RestoreResult, error) {
	metaPath, err := s.layout.EntryPath(KindMeta, CurrentMetaVersion, ruleDigest)
	if err != nil {
		return RestoreResult{}, err
	}
	data, err := os.ReadFile(metaPath) //nolint:gosec // path is derived from a digest, not user input
	if errors.Is(err, fs.ErrNotExist) {
		return RestoreResult{}, ErrNotFound
	}
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read metadata entry: %w", err)
	}

	rec, err := ParseMetadata(data)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Metadata == nil {
		return RestoreResult{}, fmt.Errorf("%w: rule digest resolves to a value record", ErrCorrupt)
	}

	if err := os.MkdirAll(destDir, s.dirPerm); err != nil {
		return RestoreResult{}, fmt.Errorf("create destination directory: %w", err)
	}

	for _, out := range rec.Metadata.Outputs {
		srcPath, err := s.layout.EntryPath(KindFiles, CurrentFileVersion, out.Digest)
		if err != nil {
			return RestoreResult{}, err
		}
		dstPath := filepath.Join(destDir, out.Name)
		_ = os.Remove(dstPath) // Link requires the destination not already exist.
		if err := os.Link(srcPath, dstPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return RestoreResult{}, fmt.Errorf("%w: file entry for %q missing", ErrCorrupt, out.Name)
			}
			return RestoreResult{}, fmt.Errorf("link %q: %w", out.Name, err)
		}
	}

	return RestoreResult{Outputs: rec.Metadata.Outputs}, nil
}

// OverheadSize is a per-version breakdown of reclaimable disk usage
// (spec.md §4.5: "the sum of sizes of unused file entries across all
// supported versions"; SPEC_FULL §4 adds the ByVersion breakdown, grounded
// on the teacher's cache/disk/size.go:dirSize walk, generalized across
// versions instead of one flat tree).
type OverheadSize struct {
	// ByVersion maps "files/vN" to the total byte size of that version's
	// unused file entries (Nlink == 1). Live entries, metadata, and values
	// never contribute here.
	ByVersion map[string]int64
	// Total is the sum of every entry in ByVersion.
	Total int64
}

// OverheadSize walks every supported file version and reports the total
// size of unused file entries — those with no surviving hard link from a
// build tree — broken down by version. This is the same quantity [GoalSize]
// measures itself against; it answers "how much could a trim reclaim right
// now", not "how much disk the store occupies overall". Live entries,
// metadata, and values are never reclaimable by Trim, so they are excluded
// here too.
func (s *Store) OverheadSize() (OverheadSize, error) {
	out := OverheadSize{ByVersion: make(map[string]int64)}
	for _, v := range SupportedFileVersions() {
		dir := s.layout.ArtifactDir(KindFiles, v)
		entries, err := unusedEntriesInDir(dir)
		if err != nil {
			return OverheadSize{}, fmt.Errorf("size %s: %w", dir, err)
		}
		var size int64
		for _, e := range entries {
			size += e.size
		}
		out.ByVersion[fmt.Sprintf("%s/v%d", KindFiles, v)] = size
		out.Total += size
	}
	return out, nil
}

// Stats is a snapshot of store contents (SPEC_FULL §4): entry counts
// alongside OverheadSize's byte totals, handy for a CLI status line or a
// metrics exporter without requiring the caller to run a full trim.
type Stats struct {
	Overhead   OverheadSize
	FileCount  int
	MetaCount  int
	ValueCount int
}

// Stats computes a fresh snapshot by walking the store. FileCount,
// MetaCount, and ValueCount count every entry of their kind whether or not
// it is still reachable from a live metadata entry; Overhead, by contrast,
// only ever reflects unused file entries (see [Store.OverheadSize]).
func (s *Store) Stats() (Stats, error) {
	overhead, err := s.OverheadSize()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Overhead: overhead}
	for _, v := range SupportedFileVersions() {
		entries, err := ListEntries(s.layout.ArtifactDir(KindFiles, v))
		if err != nil {
			return Stats{}, err
		}
		st.FileCount += len(entries)
	}
	for _, v := range SupportedMetaVersions() {
		entries, err := ListEntries(s.layout.ArtifactDir(KindMeta, v))
		if err != nil {
			return Stats{}, err
		}
		st.MetaCount += len(entries)
	}
	valueEntries, err := ListEntries(s.layout.ArtifactDir(KindValues, CurrentValueVersion))
	if err != nil {
		return Stats{}, err
	}
	st.ValueCount = len(valueEntries)
	return st, nil
}
