//go:build !linux && !darwin

package monitor

import (
	"os"
	"time"
)

// fileAccessTime falls back to modification time on platforms without a
// portable atime stat field exposed through syscall.Stat_t.
func fileAccessTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
