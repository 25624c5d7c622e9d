//go:build linux || darwin

package monitor

import (
	"os"
	"syscall"
	"time"
)

// fileAccessTime reads the last-access time from the platform stat
// structure. Best-effort: many Linux filesystems mount with relatime or
// noatime, in which case this rarely advances (spec §4.9 calls this out
// explicitly as filesystem-dependent).
func fileAccessTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), nil
	}
	return statAtime(stat), nil
}
