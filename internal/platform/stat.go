// Package platform extracts the hard-link count and ctime of a stat result,
// the two signals the trimmer's liveness test and fairness ordering depend
// on (spec.md §4.5, invariant 6). The build-tag split mirrors the teacher's
// own per-OS stat extraction in core/internal/platform
// (open_unix.go/open_other.go), adapted from uid/gid extraction to
// link-count/ctime extraction.
package platform

import (
	"errors"
)

// ErrUnsupported is returned on platforms where the hard-link count and
// ctime cannot be extracted from fs.FileInfo.Sys(); spec.md §5 scopes this
// design to local filesystems on POSIX hosts, so NFS and non-Unix hosts are
// explicitly unsupported rather than silently approximated.
var ErrUnsupported = errors.New("platform: link count and ctime unavailable on this platform")

// Stat holds the liveness-relevant parts of a file's stat result.
type Stat struct {
	Nlink uint64
	Ctime int64 // UnixNano
}
