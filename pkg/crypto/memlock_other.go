//go:build !(linux || darwin || freebsd || openbsd || netbsd)

package crypto

// LockMemory is a no-op on platforms without mlock(2).
func LockMemory(b []byte) error { return nil }

// UnlockMemory is a no-op on platforms without munlock(2).
func UnlockMemory(b []byte) error { return nil }
