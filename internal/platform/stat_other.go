//go:build !unix

package platform

import "io/fs"

// FromFileInfo always fails on non-Unix platforms: hard-link-count-based
// liveness (spec.md §5, invariant 6) has no portable equivalent outside
// POSIX stat, and this design does not attempt one.
func FromFileInfo(info fs.FileInfo) (Stat, error) {
	return Stat{}, ErrUnsupported
}
