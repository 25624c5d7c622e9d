//go:build linux

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessInfo is a captured snapshot of the process that held path open
// at the time of observation, per SPEC_FULL's supplemented
// capture_process_info feature.
type ProcessInfo struct {
	PID  int
	Comm string
	Cmd  string
}

// CaptureProcessForPath scans /proc for any process with an open file
// descriptor resolving to path, returning the first match found. This is
// inherently racy (the process may have already closed the descriptor by
// the time we scan) and Linux-only; best-effort only.
func CaptureProcessForPath(path string) (*ProcessInfo, bool) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		target = path
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, false
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target || link == path {
				return buildProcessInfo(pid), true
			}
		}
	}
	return nil, false
}

func buildProcessInfo(pid int) *ProcessInfo {
	comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	cmdline, _ := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	return &ProcessInfo{
		PID:  pid,
		Comm: strings.TrimSpace(string(comm)),
		Cmd:  strings.ReplaceAll(strings.Trim(string(cmdline), "\x00"), "\x00", " "),
	}
}
