//go:build freebsd || netbsd || openbsd || dragonfly

package platform

import "syscall"

func ctimespec(sys *syscall.Stat_t) syscall.Timespec {
	return sys.Ctimespec
}
