//go:build darwin

package kdf

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemProbe reads total RAM from the hw.memsize sysctl.
func SystemProbe() (int, int, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, 0, fmt.Errorf("kdf: sysctl hw.memsize: %w", err)
	}
	return int(total / (1024 * 1024)), runtime.NumCPU(), nil
}
