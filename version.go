package dunecache

// ArtifactKind names one of the three versioned subtrees under a store
// root (spec.md §6): "files", "meta", "values".
type ArtifactKind string

const (
	KindFiles  ArtifactKind = "files"
	KindMeta   ArtifactKind = "meta"
	KindValues ArtifactKind = "values"
)

// CurrentFileVersion and CurrentMetaVersion are the versions the writer
// currently targets. Bump CurrentFileVersion whenever the executable-aware
// file digest scheme, the directory-placeholder digest, or the generic-value
// digest scheme changes; bump CurrentMetaVersion alone when only the
// metadata codec or its field set changes (spec.md §4.6).
const (
	CurrentFileVersion = 1
	CurrentMetaVersion = 1
	CurrentValueVersion = 1
)

// metaToFileVersion is the static table pairing each supported metadata
// version with the file-store version whose digests it references. New
// versions are added by appending a row; nothing here implies inheritance
// or dynamic dispatch (spec.md §9: "Dynamic dispatch between versions is
// resolved by a static table... no inheritance").
var metaToFileVersion = map[int]int{
	1: 1,
}

// FileVersionFor returns the file-store version paired with metadata
// version v, and whether v is a recognized metadata version.
func FileVersionFor(metaVersion int) (fileVersion int, ok bool) {
	fileVersion, ok = metaToFileVersion[metaVersion]
	return fileVersion, ok
}

// SupportedMetaVersions returns every metadata version a reader should
// enumerate, in ascending order. The writer only ever writes
// CurrentMetaVersion; older versions may still exist on disk from prior
// installations and are read-only except for trimming.
func SupportedMetaVersions() []int {
	versions := make([]int, 0, len(metaToFileVersion))
	for v := range metaToFileVersion {
		versions = append(versions, v)
	}
	insertionSortInts(versions)
	return versions
}

// SupportedFileVersions returns every file-store version a reader should
// enumerate, in ascending order, derived from the set of file versions any
// supported metadata version pairs with.
func SupportedFileVersions() []int {
	seen := make(map[int]bool)
	for _, fv := range metaToFileVersion {
		seen[fv] = true
	}
	versions := make([]int, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	insertionSortInts(versions)
	return versions
}

func insertionSortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
