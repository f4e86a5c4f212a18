//go:build darwin

package platform

import "syscall"

func ctimespec(sys *syscall.Stat_t) syscall.Timespec {
	return sys.Ctimespec
}
