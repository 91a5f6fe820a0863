//go:build darwin

package membudget

import "golang.org/x/sys/unix"

func totalSystemMemory() (uint64, bool) {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, false
	}
	return n, true
}
