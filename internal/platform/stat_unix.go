//go:build unix

package platform

import (
	"io/fs"
	"syscall"
)

// FromFileInfo extracts link count and ctime from a Unix stat result.
func FromFileInfo(info fs.FileInfo) (Stat, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Stat{}, ErrUnsupported
	}
	return Stat{
		Nlink: uint64(sys.Nlink), //nolint:unconvert // Nlink's width varies by GOARCH
		Ctime: syscall.TimespecToNsec(ctimespec(sys)),
	}, nil
}
