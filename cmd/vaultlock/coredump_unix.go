//go:build unix

package main

import "golang.org/x/sys/unix"

// disableCoreDumps sets RLIMIT_CORE to zero.
func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}
