// Package store implements HoneyGrid's C4 component: the encrypted
// embedded event store. It owns the three tables described in spec.md §3
// (agents, events, tokens), the field-level encryption key, and the
// nonce-uniqueness constraint that is the system's authoritative replay
// defence (invariant I1).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DuplicateNonce is returned by InsertEvent when the nonce already exists
// in the events table. This is the authoritative replay rejection (I1);
// internal/noncecache is only a fast-path filter in front of it.
type DuplicateNonce struct {
	Nonce string
}

func (e *DuplicateNonce) Error() string {
	return fmt.Sprintf("store: duplicate nonce detected: %s", e.Nonce)
}

// Error wraps any other storage failure (spec §7's StorageError kind).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Agent mirrors spec.md §3's Agent entity, decrypted.
type Agent struct {
	AgentID      string
	Hostname     string
	IPAddress    string
	Status       string
	LastSeen     time.Time
	RegisteredAt time.Time
	Metadata     map[string]interface{}
}

// Event mirrors spec.md §3's append-only Event entity, decrypted.
type Event struct {
	ID        int64
	AgentID   string
	TokenID   string
	Path      string
	EventType string
	Timestamp time.Time
	Nonce     string
	Data      map[string]interface{}
}

// Token mirrors spec.md §3's Token catalog entity, decrypted.
type Token struct {
	TokenID    string
	Name       string
	Path       string
	DeployedTo string
	DeployedAt time.Time
	Status     string
	Metadata   map[string]interface{}
}

// Stats is the summary returned by GetStats.
type Stats struct {
	TotalAgents int64
	TotalEvents int64
	TotalTokens int64
	Events24h   int64
	DBSizeBytes int64
}

// Store is the encrypted event store. All mutation commits immediately;
// each public method is a single transaction (spec §4.4 durability /
// atomicity requirements).
type Store struct {
	db     *sql.DB
	cipher *fieldCipher
	path   string
}

// Open opens (creating if necessary) the single-file store at path,
// deriving the field-encryption key from passphrase, and ensures the
// schema exists.
func Open(path, passphrase string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &Error{Op: "mkdir", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1) // single-writer embedded file store

	fc, err := newFieldCipher(passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, cipher: fc, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			hostname TEXT,
			ip_address TEXT,
			status TEXT NOT NULL,
			last_seen REAL NOT NULL,
			registered_at REAL NOT NULL,
			metadata BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			path BLOB NOT NULL,
			event_type TEXT NOT NULL,
			timestamp REAL NOT NULL,
			nonce TEXT NOT NULL UNIQUE,
			data BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_id TEXT PRIMARY KEY,
			name TEXT,
			path BLOB,
			deployed_to TEXT,
			deployed_at REAL,
			status TEXT,
			metadata BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_nonce ON events(nonce)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &Error{Op: "migrate", Err: err}
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) encryptJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Op: "encode metadata", Err: err}
	}
	return s.cipher.encrypt(string(raw))
}

func (s *Store) decryptJSON(ciphertext []byte) (map[string]interface{}, error) {
	if len(ciphertext) == 0 {
		return map[string]interface{}{}, nil
	}
	plain, err := s.cipher.decrypt(ciphertext)
	if err != nil {
		return nil, &Error{Op: "decrypt metadata", Err: err}
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(plain), &v); err != nil {
		return nil, &Error{Op: "decode metadata", Err: err}
	}
	return v, nil
}

func (s *Store) encryptString(v string) ([]byte, error) {
	return s.cipher.encrypt(v)
}

func (s *Store) decryptString(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	return s.cipher.decrypt(ciphertext)
}

// RegisterAgent upserts the agent row. On first contact, registered_at and
// last_seen are both set to now; on subsequent calls only last_seen and
// the informational fields are refreshed.
func (s *Store) RegisterAgent(ctx context.Context, agentID, hostname, ip string, metadata map[string]interface{}) error {
	meta, err := s.encryptJSON(metadata)
	if err != nil {
		return err
	}
	now := float64(time.Now().Unix())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, hostname, ip_address, status, last_seen, registered_at, metadata)
		VALUES (?, ?, ?, 'healthy', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			last_seen = excluded.last_seen
	`, agentID, hostname, ip, now, now, meta)
	if err != nil {
		return &Error{Op: "register agent", Err: err}
	}
	return nil
}

// UpdateAgentStatus sets status and refreshes last_seen to now.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_seen = ? WHERE agent_id = ?
	`, status, float64(time.Now().Unix()), agentID)
	if err != nil {
		return false, &Error{Op: "update agent status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &Error{Op: "update agent status", Err: err}
	}
	return n > 0, nil
}

// SetAgentStatus sets status without touching last_seen, for use by the
// liveness sweep (C7): a staleness-driven transition must not reset the
// very timestamp it was computed from.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ? WHERE agent_id = ?
	`, status, agentID)
	if err != nil {
		return false, &Error{Op: "set agent status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &Error{Op: "set agent status", Err: err}
	}
	return n > 0, nil
}

// GetAgent reads one agent row, decrypting metadata.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, hostname, ip_address, status, last_seen, registered_at, metadata
		FROM agents WHERE agent_id = ?
	`, agentID)
	a, err := scanAgent(row.Scan, s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "get agent", Err: err}
	}
	return a, nil
}

// GetAllAgents reads every agent row, decrypting metadata.
func (s *Store) GetAllAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, hostname, ip_address, status, last_seen, registered_at, metadata
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, &Error{Op: "get all agents", Err: err}
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan, s)
		if err != nil {
			return nil, &Error{Op: "scan agent", Err: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...interface{}) error

func scanAgent(scan scanFunc, s *Store) (*Agent, error) {
	var (
		agentID, hostname, ip, status sql.NullString
		lastSeen, registeredAt        float64
		metaBytes                     []byte
	)
	if err := scan(&agentID, &hostname, &ip, &status, &lastSeen, &registeredAt, &metaBytes); err != nil {
		return nil, err
	}
	meta, err := s.decryptJSON(metaBytes)
	if err != nil {
		return nil, err
	}
	return &Agent{
		AgentID:      agentID.String,
		Hostname:     hostname.String,
		IPAddress:    ip.String,
		Status:       status.String,
		LastSeen:     time.Unix(int64(lastSeen), 0),
		RegisteredAt: time.Unix(int64(registeredAt), 0),
		Metadata:     meta,
	}, nil
}

// InsertEvent encrypts path and data and writes one append-only event row.
// On a unique-nonce conflict it returns *DuplicateNonce (I1). On success it
// also transitions the agent's status to "warning" (spec §4.4).
func (s *Store) InsertEvent(ctx context.Context, agentID, tokenID, path, eventType, nonce string, timestamp time.Time, data map[string]interface{}) (int64, error) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	encPath, err := s.encryptString(path)
	if err != nil {
		return 0, err
	}
	encData, err := s.encryptJSON(data)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &Error{Op: "begin insert event", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (agent_id, token_id, path, event_type, timestamp, nonce, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agentID, tokenID, encPath, eventType, float64(timestamp.Unix()), nonce, encData)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &DuplicateNonce{Nonce: nonce}
		}
		return 0, &Error{Op: "insert event", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &Error{Op: "insert event", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = 'warning', last_seen = ? WHERE agent_id = ?
	`, float64(time.Now().Unix()), agentID); err != nil {
		return 0, &Error{Op: "update agent status after insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &Error{Op: "commit insert event", Err: err}
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, "nonce")
}

// GetEvent reads one event row by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, token_id, path, event_type, timestamp, nonce, data
		FROM events WHERE id = ?
	`, id)
	e, err := scanEvent(row.Scan, s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "get event", Err: err}
	}
	return e, nil
}

// GetRecentEvents returns up to limit events, newest first, optionally
// filtered to one agent.
func (s *Store) GetRecentEvents(ctx context.Context, limit int, agentID string) ([]*Event, error) {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, agent_id, token_id, path, event_type, timestamp, nonce, data
			FROM events WHERE agent_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		`, agentID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, agent_id, token_id, path, event_type, timestamp, nonce, data
			FROM events ORDER BY timestamp DESC, id DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, &Error{Op: "get recent events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows, s)
}

// GetEventsByTimerange returns events with timestamp in [start, end],
// newest first.
func (s *Store) GetEventsByTimerange(ctx context.Context, start, end time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, token_id, path, event_type, timestamp, nonce, data
		FROM events WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp DESC, id DESC
	`, float64(start.Unix()), float64(end.Unix()))
	if err != nil {
		return nil, &Error{Op: "get events by timerange", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows, s)
}

func scanEvents(rows *sql.Rows, s *Store) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan, s)
		if err != nil {
			return nil, &Error{Op: "scan event", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(scan scanFunc, s *Store) (*Event, error) {
	var (
		id                            int64
		agentID, tokenID, eventType   string
		nonce                         string
		timestamp                     float64
		pathBytes, dataBytes          []byte
	)
	if err := scan(&id, &agentID, &tokenID, &pathBytes, &eventType, &timestamp, &nonce, &dataBytes); err != nil {
		return nil, err
	}
	path, err := s.decryptString(pathBytes)
	if err != nil {
		return nil, err
	}
	data, err := s.decryptJSON(dataBytes)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id,
		AgentID:   agentID,
		TokenID:   tokenID,
		Path:      path,
		EventType: eventType,
		Timestamp: time.Unix(int64(timestamp), 0),
		Nonce:     nonce,
		Data:      data,
	}, nil
}

// RegisterToken upserts a catalog entry. Not required for event ingest: an
// event referencing an unknown token is still accepted (spec §3).
func (s *Store) RegisterToken(ctx context.Context, tokenID, name, path, deployedTo, status string, metadata map[string]interface{}) error {
	encPath, err := s.encryptString(path)
	if err != nil {
		return err
	}
	meta, err := s.encryptJSON(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, name, path, deployed_to, deployed_at, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			deployed_to = excluded.deployed_to,
			deployed_at = excluded.deployed_at,
			status = excluded.status,
			metadata = excluded.metadata
	`, tokenID, name, encPath, deployedTo, float64(time.Now().Unix()), status, meta)
	if err != nil {
		return &Error{Op: "register token", Err: err}
	}
	return nil
}

// GetToken reads one token catalog row.
func (s *Store) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, name, path, deployed_to, deployed_at, status, metadata
		FROM tokens WHERE token_id = ?
	`, tokenID)

	var (
		id, name, deployedTo, status sql.NullString
		deployedAt                   sql.NullFloat64
		pathBytes, metaBytes         []byte
	)
	if err := row.Scan(&id, &name, &pathBytes, &deployedTo, &deployedAt, &status, &metaBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &Error{Op: "get token", Err: err}
	}
	path, err := s.decryptString(pathBytes)
	if err != nil {
		return nil, err
	}
	meta, err := s.decryptJSON(metaBytes)
	if err != nil {
		return nil, err
	}
	return &Token{
		TokenID:    id.String,
		Name:       name.String,
		Path:       path,
		DeployedTo: deployedTo.String,
		DeployedAt: time.Unix(int64(deployedAt.Float64), 0),
		Status:     status.String,
		Metadata:   meta,
	}, nil
}

// GetStats returns collector-wide summary counters.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&st.TotalAgents); err != nil {
		return st, &Error{Op: "stats agents", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return st, &Error{Op: "stats events", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&st.TotalTokens); err != nil {
		return st, &Error{Op: "stats tokens", Err: err}
	}
	since := float64(time.Now().Add(-24 * time.Hour).Unix())
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE timestamp >= ?`, since).Scan(&st.Events24h); err != nil {
		return st, &Error{Op: "stats events_24h", Err: err}
	}
	if s.path != "" {
		if fi, err := os.Stat(s.path); err == nil {
			st.DBSizeBytes = fi.Size()
		}
	}
	return st, nil
}
