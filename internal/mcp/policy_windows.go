//go:build windows

package mcp

import (
	"os"
)

// openPolicyFile opens the policy file. Windows has no O_NOFOLLOW.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFileOwnership on Windows is a no-op; ownership is governed by ACLs.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
