//go:build !linux && !darwin

package kdf

import "errors"

// SystemProbe is unsupported here; the advisor degrades to safe defaults.
func SystemProbe() (int, int, error) {
	return 0, 0, errors.New("kdf: device probe not supported on this platform")
}
