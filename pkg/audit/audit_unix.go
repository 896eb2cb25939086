//go:build !windows

package audit

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func (l *Logger) checkDiskSpace() error {
	var st unix.Statfs_t
	if err := unix.Statfs(l.path, &st); err != nil {
		if err := unix.Statfs(filepath.Dir(l.path), &st); err != nil {
			l.log.Warn().Err(err).Msg("failed to check disk space for audit log")
			return nil
		}
	}

	available := st.Bavail * uint64(st.Bsize)
	if available < MinDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinDiskSpace)
	}
	return nil
}
