//go:build linux

package kdf

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemProbe reads total RAM from sysinfo(2).
func SystemProbe() (int, int, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, fmt.Errorf("kdf: sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	return int(total / (1024 * 1024)), runtime.NumCPU(), nil
}
