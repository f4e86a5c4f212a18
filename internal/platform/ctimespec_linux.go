//go:build linux

package platform

import "syscall"

func ctimespec(sys *syscall.Stat_t) syscall.Timespec {
	return sys.Ctim
}
