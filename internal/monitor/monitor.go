// Package monitor implements HoneyGrid's agent-side C9 component: it
// resolves raw filesystem notifications to honeytoken records and queues
// them for the sender (C10). The native OS watcher is an external
// collaborator reached only through the FilesystemEventSource interface
// (spec §6's "filesystem seam"), so this package has no OS-specific
// watcher dependency of its own.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one resolved observation, queued for the sender.
type Record struct {
	TokenID     string
	Path        string
	EventType   string
	Timestamp   time.Time
	IsDirectory bool
	Metadata    map[string]interface{}
}

// Queue is the bounded, single-direction producer/consumer channel
// between the monitor and the sender (spec §5: "Records are strictly
// one-direction: producer -> queue -> consumer").
type Queue struct {
	ch     chan Record
	logger *slog.Logger
}

// NewQueue builds a Queue with the given capacity (default 1000 if
// non-positive).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{ch: make(chan Record, capacity), logger: slog.Default().With("component", "monitor.queue")}
}

// Push enqueues r, dropping the oldest queued record if full (spec
// §4.10: "events sit in the in-memory queue until the queue fills (then
// oldest is dropped by the queue policy)").
func (q *Queue) Push(r Record) {
	select {
	case q.ch <- r:
		return
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- r:
	default:
		q.logger.Warn("queue still full after evicting oldest, dropping record", "token_id", r.TokenID)
	}
}

// Pull blocks until a record is available or ctx is done.
func (q *Queue) Pull(ctx context.Context) (Record, bool) {
	select {
	case r := <-q.ch:
		return r, true
	case <-ctx.Done():
		return Record{}, false
	}
}

// monitoredPath is one entry in the path->token_id table, pre-split for
// matching.
type monitoredPath struct {
	tokenID string
	path    string
	dir     string
	isDir   bool
}

// Resolver maps observed filesystem paths back to the honeytoken
// (token_id) they belong to, per spec §4.9's three-tier match rule.
type Resolver struct {
	mu      sync.RWMutex
	byExact map[string]string
	paths   []monitoredPath
}

// NewResolver builds an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{byExact: make(map[string]string)}
}

// Register adds a monitored path for tokenID. isDir indicates whether
// path itself is a directory (vs. a single decoy file).
func (r *Resolver) Register(tokenID, path string, isDir bool) {
	clean := filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExact[clean] = tokenID
	r.paths = append(r.paths, monitoredPath{
		tokenID: tokenID,
		path:    clean,
		dir:     filepath.Dir(clean),
		isDir:   isDir,
	})
}

// Unregister removes a monitored path (used when a token is retired).
func (r *Resolver) Unregister(path string) {
	clean := filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byExact, clean)
	for i, p := range r.paths {
		if p.path == clean {
			r.paths = append(r.paths[:i], r.paths[i+1:]...)
			break
		}
	}
}

// Resolve implements spec §4.9's match rule: exact match; else descendant
// of a monitored directory; else sibling of a monitored file (same
// directory). Returns ok=false if no monitored path explains observed.
func (r *Resolver) Resolve(observed string) (tokenID string, ok bool) {
	clean := filepath.Clean(observed)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, found := r.byExact[clean]; found {
		return id, true
	}

	for _, p := range r.paths {
		if p.isDir && isDescendant(p.path, clean) {
			return p.tokenID, true
		}
	}
	for _, p := range r.paths {
		if !p.isDir && filepath.Dir(clean) == p.dir {
			return p.tokenID, true
		}
	}
	return "", false
}

func isDescendant(dir, candidate string) bool {
	if dir == candidate {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(candidate, prefix)
}

// FilesystemEventSource is the external collaborator boundary (spec §6):
// whatever drives the native OS watcher calls these on the Monitor.
type FilesystemEventSource interface {
	// Run starts the watcher, invoking the given callbacks until ctx is
	// done, and returns any fatal setup/watch error.
	Run(ctx context.Context, cb Callbacks) error
}

// Callbacks receives raw filesystem notifications from a
// FilesystemEventSource. isDirectory reports whether the affected path is
// a directory.
type Callbacks struct {
	OnCreated  func(path string, isDirectory bool)
	OnModified func(path string, isDirectory bool)
	OnDeleted  func(path string, isDirectory bool)
	OnMoved    func(src, dest string, isDirectory bool)
	OnAccessed func(path string, isDirectory bool)
}

// HashTracker optionally tracks a content SHA-256 hash per path, for the
// content-hash-tracking feature (spec §4.9's optional content-hash
// tracking).
type HashTracker struct {
	mu       sync.Mutex
	original map[string]string
}

// NewHashTracker builds an empty tracker.
func NewHashTracker() *HashTracker {
	return &HashTracker{original: make(map[string]string)}
}

// RecordOriginal stores path's current content hash as its baseline, on
// creation.
func (h *HashTracker) RecordOriginal(path string) {
	sum, err := hashFile(path)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.original[path] = sum
	h.mu.Unlock()
}

// Check computes path's current hash and compares it against the
// recorded baseline, returning (original, current, modified). If there is
// no baseline, original is "" and modified is false.
func (h *HashTracker) Check(path string) (original, current string, modified bool) {
	current, err := hashFile(path)
	if err != nil {
		return "", "", false
	}
	h.mu.Lock()
	original = h.original[path]
	h.mu.Unlock()
	if original == "" {
		return "", current, false
	}
	return original, current, original != current
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Config controls which optional C9 features are active.
type Config struct {
	TrackContentHash bool
	AccessSweep      bool
	AccessSweepEvery time.Duration
	CaptureProcess   bool
}

// Monitor wires a FilesystemEventSource's raw notifications into
// resolved Records on the output Queue.
type Monitor struct {
	resolver *Resolver
	queue    *Queue
	source   FilesystemEventSource
	hashes   *HashTracker
	cfg      Config
	logger   *slog.Logger
}

// New builds a Monitor. hashes may be nil if TrackContentHash is false.
func New(resolver *Resolver, queue *Queue, source FilesystemEventSource, hashes *HashTracker, cfg Config) *Monitor {
	return &Monitor{
		resolver: resolver,
		queue:    queue,
		source:   source,
		hashes:   hashes,
		cfg:      cfg,
		logger:   slog.Default().With("component", "monitor"),
	}
}

// Run starts the filesystem event source and, if configured, the access
// sweep, blocking until ctx is done or the source errors.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.AccessSweep {
		go m.runAccessSweep(ctx)
	}
	return m.source.Run(ctx, Callbacks{
		OnCreated:  m.onCreated,
		OnModified: m.onModified,
		OnDeleted:  m.onDeleted,
		OnMoved:    m.onMoved,
		OnAccessed: m.onAccessed,
	})
}

func (m *Monitor) onCreated(path string, isDirectory bool) {
	if m.cfg.TrackContentHash && m.hashes != nil && !isDirectory {
		m.hashes.RecordOriginal(path)
	}
	m.emit(path, "created", isDirectory, nil)
}

func (m *Monitor) onModified(path string, isDirectory bool) {
	// Directory `modified` notifications are suppressed (spec §4.9: noisy).
	if isDirectory {
		return
	}
	meta := m.hashMetadata(path)
	m.emit(path, "modified", isDirectory, meta)
}

func (m *Monitor) onDeleted(path string, isDirectory bool) {
	m.emit(path, "deleted", isDirectory, nil)
}

func (m *Monitor) onMoved(src, dest string, isDirectory bool) {
	m.emit(src, "moved", isDirectory, map[string]interface{}{"dest_path": dest})
}

func (m *Monitor) onAccessed(path string, isDirectory bool) {
	meta := mergeMetadata(m.hashMetadata(path), m.processMetadata(path))
	m.emit(path, "accessed", isDirectory, meta)
}

func (m *Monitor) hashMetadata(path string) map[string]interface{} {
	if !m.cfg.TrackContentHash || m.hashes == nil {
		return nil
	}
	original, current, modified := m.hashes.Check(path)
	if original == "" {
		return nil
	}
	return map[string]interface{}{
		"file_hash_original": original,
		"file_hash_current":  current,
		"content_modified":   modified,
	}
}

func (m *Monitor) processMetadata(path string) map[string]interface{} {
	if !m.cfg.CaptureProcess {
		return nil
	}
	info, ok := CaptureProcessForPath(path)
	if !ok {
		return nil
	}
	return map[string]interface{}{
		"process_pid":  info.PID,
		"process_comm": info.Comm,
		"process_cmd":  info.Cmd,
	}
}

func mergeMetadata(parts ...map[string]interface{}) map[string]interface{} {
	var merged map[string]interface{}
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		if merged == nil {
			merged = make(map[string]interface{})
		}
		for k, v := range part {
			merged[k] = v
		}
	}
	return merged
}

func (m *Monitor) emit(path, eventType string, isDirectory bool, metadata map[string]interface{}) {
	tokenID, ok := m.resolver.Resolve(path)
	if !ok {
		return
	}
	m.queue.Push(Record{
		TokenID:     tokenID,
		Path:        path,
		EventType:   eventType,
		Timestamp:   time.Now(),
		IsDirectory: isDirectory,
		Metadata:    metadata,
	})
}

// runAccessSweep polls monitored files' atime periodically, emitting an
// `accessed` record when it advances. Best-effort: filesystems that don't
// track atime will simply never advance.
func (m *Monitor) runAccessSweep(ctx context.Context) {
	interval := m.cfg.AccessSweepEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lastAccess := make(map[string]time.Time)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(lastAccess)
		}
	}
}

func (m *Monitor) sweepOnce(lastAccess map[string]time.Time) {
	m.resolver.mu.RLock()
	paths := make([]monitoredPath, len(m.resolver.paths))
	copy(paths, m.resolver.paths)
	m.resolver.mu.RUnlock()

	for _, p := range paths {
		if p.isDir {
			continue
		}
		atime, err := fileAccessTime(p.path)
		if err != nil {
			continue
		}
		prev, seen := lastAccess[p.path]
		if seen && !atime.After(prev) {
			continue
		}
		lastAccess[p.path] = atime
		if !seen {
			// First observation only records a baseline.
			continue
		}
		m.onAccessed(p.path, false)
	}
}
