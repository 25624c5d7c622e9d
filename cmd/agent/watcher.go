package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/honeygrid/honeygrid/internal/monitor"
)

// pollingSource is the concrete FilesystemEventSource wired into the agent
// binary. HoneyGrid's spec treats the native OS watcher as an external
// collaborator behind monitor.FilesystemEventSource (so internal/monitor
// itself carries no watcher dependency); this polling implementation is
// that collaborator for the reference binary, walking the registered
// watch roots on an interval and diffing against the previous snapshot.
// A deployment wanting inotify-level latency swaps this file for one
// backed by a real watcher library without touching internal/monitor.
type pollingSource struct {
	roots    []string
	interval time.Duration
}

func newPollingSource(roots []string, interval time.Duration) *pollingSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &pollingSource{roots: roots, interval: interval}
}

type snapshotEntry struct {
	isDir   bool
	modTime time.Time
}

func (p *pollingSource) Run(ctx context.Context, cb monitor.Callbacks) error {
	prev := p.snapshot()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := p.snapshot()
			p.diff(prev, cur, cb)
			prev = cur
		}
	}
}

func (p *pollingSource) snapshot() map[string]snapshotEntry {
	entries := make(map[string]snapshotEntry)
	for _, root := range p.roots {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			entries[path] = snapshotEntry{isDir: info.IsDir(), modTime: info.ModTime()}
			return nil
		})
	}
	return entries
}

func (p *pollingSource) diff(prev, cur map[string]snapshotEntry, cb monitor.Callbacks) {
	for path, entry := range cur {
		prior, existed := prev[path]
		switch {
		case !existed:
			if cb.OnCreated != nil {
				cb.OnCreated(path, entry.isDir)
			}
		case entry.modTime.After(prior.modTime):
			if cb.OnModified != nil {
				cb.OnModified(path, entry.isDir)
			}
		}
	}
	for path, prior := range prev {
		if _, stillExists := cur[path]; !stillExists {
			if cb.OnDeleted != nil {
				cb.OnDeleted(path, prior.isDir)
			}
		}
	}
}
