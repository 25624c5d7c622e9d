// Package session implements HoneyGrid's C5 component: a mutual-TLS
// listener where each accepted connection runs its own session state
// machine (Accepting -> Established -> Closed), extracting the
// certificate-bound agent identity and handing well-formed frames to the
// ingest pipeline.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/honeygrid/honeygrid/internal/protocol"
)

// State is a session's position in the Accepting/Established/Closed
// state machine (spec §4.5).
type State int

const (
	StateAccepting State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler is implemented by the ingest pipeline (C6); Dispatch runs for
// every frame parsed off the wire for a session whose agent identity has
// already been bound.
type Handler interface {
	Dispatch(ctx context.Context, sessionAgentID string, msg *protocol.Message)
	// OnEstablished is called once a session's identity is known, before
	// entering the read loop. It should upsert the agent row.
	OnEstablished(ctx context.Context, agentID, remoteAddr string)
	// OnClosed is called once when a session's read loop exits, for any
	// reason, to mark the agent offline.
	OnClosed(ctx context.Context, agentID string)
}

// Session tracks one accepted connection's state machine.
type Session struct {
	conn    net.Conn
	handler Handler
	tol     time.Duration

	mu       sync.Mutex
	state    State
	agentID  string
	closedAt time.Time
}

// Listener wraps a TLS listener accepting HoneyGrid agent connections.
type Listener struct {
	ln      net.Listener
	handler Handler
	tol     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewListener binds addr with tlsCfg (built by certutil.ServerTLSConfig)
// and required client-cert verification already configured by the caller.
func NewListener(addr string, tlsCfg *tls.Config, handler Handler, timestampTolerance time.Duration) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("session: listen %s: %w", addr, err)
	}
	if timestampTolerance <= 0 {
		timestampTolerance = protocol.DefaultTimestampTolerance
	}
	return &Listener{
		ln:       ln,
		handler:  handler,
		tol:      timestampTolerance,
		logger:   slog.Default().With("component", "session"),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Addr returns the bound address, useful when addr was ":0" in tests.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is done or the listener errors.
// Each accepted connection runs its session loop in its own goroutine
// (spec §4.5: "one per connection").
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return fmt.Errorf("session: accept: %w", err)
			}
			continue
		}
		s := &Session{conn: conn, handler: l.handler, tol: l.tol, state: StateAccepting}
		l.track(s)
		go l.run(ctx, s)
	}
}

func (l *Listener) track(s *Session) {
	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s)
	l.mu.Unlock()
}

// ActiveSessions reports the number of sessions currently tracked
// (Accepting or Established), for the active_sessions gauge.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) run(ctx context.Context, s *Session) {
	defer l.untrack(s)
	defer s.conn.Close()

	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		l.logger.Error("session: non-TLS connection accepted, closing")
		return
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		l.logger.Warn("tls handshake failed", "remote", s.conn.RemoteAddr(), "error", err)
		return
	}

	agentID := identityFromConnState(tlsConn.ConnectionState(), s.conn.RemoteAddr())

	s.mu.Lock()
	s.agentID = agentID
	s.state = StateEstablished
	s.mu.Unlock()

	l.handler.OnEstablished(ctx, agentID, s.conn.RemoteAddr().String())
	l.logger.Info("session established", "agent_id", agentID, "remote", s.conn.RemoteAddr())

	l.readLoop(ctx, s)

	s.mu.Lock()
	s.state = StateClosed
	s.closedAt = time.Now()
	s.mu.Unlock()

	l.handler.OnClosed(ctx, agentID)
	l.logger.Info("session closed", "agent_id", agentID)
}

// identityFromConnState extracts the certificate-bound agent identity, or
// synthesizes a placeholder when no verified peer certificate is present
// (spec §4.5: still allowed to connect, every message then rejected by
// the binding rule since no legitimate agent_id will ever match it).
func identityFromConnState(state tls.ConnectionState, remote net.Addr) string {
	if len(state.PeerCertificates) > 0 {
		cn := state.PeerCertificates[0].Subject.CommonName
		if cn != "" {
			return cn
		}
	}
	return fmt.Sprintf("unknown_%s", remote.String())
}

func (l *Listener) readLoop(ctx context.Context, s *Session) {
	r := bufio.NewReader(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := protocol.ReadFrame(r, s.tol, time.Now())
		if err != nil {
			var framingErr *protocol.FramingError
			if errors.As(err, &framingErr) {
				l.logger.Warn("framing error, closing session", "agent_id", s.agentID, "error", err)
				return
			}
			var invalidErr *protocol.InvalidMessage
			if errors.As(err, &invalidErr) {
				l.logger.Warn("invalid message, continuing", "agent_id", s.agentID, "error", err)
				continue
			}
			// EOF or unrecoverable I/O error: close cleanly.
			return
		}

		l.handler.Dispatch(ctx, s.agentID, msg)
	}
}
