//go:build linux || darwin || freebsd || openbsd || netbsd

package crypto

import "golang.org/x/sys/unix"

// LockMemory pins b in RAM so a passphrase buffer is never written to swap.
// Failure is reported but callers usually treat it as advisory: RLIMIT_MEMLOCK
// is small on many systems.
func LockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// UnlockMemory releases a lock taken with LockMemory.
func UnlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
