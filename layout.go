package dunecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// shardPrefixLen is the number of leading hex characters used to shard
// entries into subdirectories, keeping per-directory fanout bounded
// (spec.md §4.1: "Two-byte shard keeps per-directory fanout at ≤256").
const shardPrefixLen = 2

// Layout resolves the deterministic paths of a store rooted at Dir: the
// versioned artifact subtrees and the sharded entry paths within them.
// Grounded on the shard-then-join path() helpers in the teacher's
// cache/disk and client/cache/disk packages, generalized from one flat
// cache to three coexisting artifact kinds across multiple format versions.
type Layout struct {
	Dir string
}

// ArtifactDir returns the versioned directory for one artifact kind, e.g.
// files/v1, meta/v1, values/v1.
func (l Layout) ArtifactDir(kind ArtifactKind, version int) string {
	return filepath.Join(l.Dir, string(kind), fmt.Sprintf("v%d", version))
}

// TempDir returns the staging directory for atomic renames.
func (l Layout) TempDir() string {
	return filepath.Join(l.Dir, "temp")
}

// PathOf returns the sharded path of the entry named by hexDigest within
// dir: dir/<hexDigest[0:2]>/<hexDigest>. It requires hexDigest be at least
// shardPrefixLen characters whose leading bytes are valid hex.
func PathOf(dir, hexDigest string) (string, error) {
	if len(hexDigest) < shardPrefixLen {
		return "", fmt.Errorf("%w: digest %q shorter than shard prefix", ErrInvalidDigest, hexDigest)
	}
	shard := hexDigest[:shardPrefixLen]
	if !isLowerHex(shard) {
		return "", fmt.Errorf("%w: digest %q has non-hex shard prefix", ErrInvalidDigest, hexDigest)
	}
	return filepath.Join(dir, shard, hexDigest), nil
}

// EntryPath returns the sharded path for a digest within one versioned
// artifact directory.
func (l Layout) EntryPath(kind ArtifactKind, version int, d Digest) (string, error) {
	return PathOf(l.ArtifactDir(kind, version), d.String())
}

// ListedEntry is one (path, digest) pair discovered by ListEntries.
type ListedEntry struct {
	Path   string
	Digest Digest
}

// ListEntries enumerates every valid entry under a versioned storage
// directory. Any intermediate directory whose name is not a
// shardPrefixLen-long lowercase hex string is skipped, as is any leaf whose
// name does not parse as a canonical digest (spec.md §4.1). A missing
// storage directory yields an empty list, not an error; any other
// filesystem error surfaces to the caller as a UserError-flavored error.
func ListEntries(dir string) ([]ListedEntry, error) {
	topEntries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list entries under %s: %w", dir, err)
	}

	var out []ListedEntry
	for _, shardEntry := range topEntries {
		if !shardEntry.IsDir() || len(shardEntry.Name()) != shardPrefixLen || !isLowerHex(shardEntry.Name()) {
			continue
		}
		shardDir := filepath.Join(dir, shardEntry.Name())
		leaves, err := os.ReadDir(shardDir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list entries under %s: %w", shardDir, err)
		}
		for _, leaf := range leaves {
			if leaf.IsDir() {
				continue
			}
			d, err := ParseDigest(leaf.Name())
			if err != nil {
				continue
			}
			out = append(out, ListedEntry{Path: filepath.Join(shardDir, leaf.Name()), Digest: d})
		}
	}
	return out, nil
}

// CreateCacheDirectories idempotently creates the store's directory
// scaffolding: temp/, and the current version of files/, meta/ and
// values/ (spec.md §4.1, invariant 7).
func (l Layout) CreateCacheDirectories() error {
	dirs := []string{
		l.TempDir(),
		l.ArtifactDir(KindFiles, CurrentFileVersion),
		l.ArtifactDir(KindMeta, CurrentMetaVersion),
		l.ArtifactDir(KindValues, CurrentValueVersion),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o777); err != nil { //nolint:gosec // umask applies; store dirs are not secrets
			return fmt.Errorf("create cache directory %s: %w", d, err)
		}
	}
	return nil
}
