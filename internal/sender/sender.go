// Package sender implements HoneyGrid's agent-side C10 component: the
// single outbound mTLS connection to the collector, its reconnect logic,
// and the run loop that drains the monitor's (C9) record queue into rate-
// limited event messages.
package sender

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/honeygrid/honeygrid/internal/monitor"
	"github.com/honeygrid/honeygrid/internal/protocol"
	"github.com/honeygrid/honeygrid/internal/ratelimit"
)

// Config controls the sender's timing and identity.
type Config struct {
	AgentID          string
	Addr             string
	TLSConfig        *tls.Config
	HeartbeatEvery   time.Duration
	ReconnectDelay   time.Duration
	QueuePullTimeout time.Duration
}

// Counters tracks the sender's cumulative outcomes (spec §4.10).
type Counters struct {
	Sent        int64
	Failed      int64
	RateLimited int64
	Reconnects  int64
}

// Sender owns one outbound connection and the run loop draining queue
// into it.
type Sender struct {
	cfg     Config
	queue   *monitor.Queue
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu            sync.Mutex
	conn          *tls.Conn
	lastHeartbeat time.Time

	sent        atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	reconnects  atomic.Int64
}

// New builds a Sender. Dial happens in Run, not here.
func New(cfg Config, queue *monitor.Queue, limiter *ratelimit.Limiter) *Sender {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.QueuePullTimeout <= 0 {
		cfg.QueuePullTimeout = time.Second
	}
	return &Sender{
		cfg:     cfg,
		queue:   queue,
		limiter: limiter,
		logger:  slog.Default().With("component", "sender"),
	}
}

// Counters returns a snapshot of cumulative outcome counts.
func (s *Sender) Counters() Counters {
	return Counters{
		Sent:        s.sent.Load(),
		Failed:      s.failed.Load(),
		RateLimited: s.rateLimited.Load(),
		Reconnects:  s.reconnects.Load(),
	}
}

// Run dials, sends an initial heartbeat, and runs the send loop until ctx
// is done, reconnecting after cfg.ReconnectDelay on any send failure.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn("dial failed, retrying", "error", err)
			if !sleepOrDone(ctx, s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		s.runLoop(ctx)

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()

		if !sleepOrDone(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Sender) connect(ctx context.Context) error {
	dialer := &tls.Dialer{Config: s.cfg.TLSConfig}
	rawConn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	conn := rawConn.(*tls.Conn)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.reconnects.Add(1)

	if err := s.sendHeartbeat(); err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// runLoop is spec §4.10's run loop: periodic unrate-limited heartbeat,
// pull-with-deadline from the queue, rate-limited event send. Returns
// when the connection breaks or ctx is done, so Run can reconnect.
func (s *Sender) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		sinceHeartbeat := time.Since(s.lastHeartbeat)
		s.mu.Unlock()

		if sinceHeartbeat >= s.cfg.HeartbeatEvery {
			if err := s.sendHeartbeat(); err != nil {
				s.logger.Warn("heartbeat send failed", "error", err)
				s.failed.Add(1)
				return
			}
		}

		pullCtx, cancel := context.WithTimeout(ctx, s.cfg.QueuePullTimeout)
		rec, ok := s.queue.Pull(pullCtx)
		cancel()
		if !ok {
			continue
		}

		if !s.limiter.Acquire(ctx, 1, false) {
			s.rateLimited.Add(1)
			continue
		}

		if err := s.sendEvent(rec); err != nil {
			s.logger.Warn("event send failed", "error", err)
			s.failed.Add(1)
			return
		}
		s.sent.Add(1)
	}
}

func (s *Sender) sendHeartbeat() error {
	msg, err := protocol.NewHeartbeatMessage(s.cfg.AgentID, "healthy", nil, time.Now())
	if err != nil {
		return err
	}
	if err := s.write(msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Sender) sendEvent(rec monitor.Record) error {
	msg, err := protocol.NewEventMessage(s.cfg.AgentID, rec.TokenID, rec.Path, rec.EventType, rec.Metadata, rec.Timestamp)
	if err != nil {
		return err
	}
	return s.write(msg)
}

func (s *Sender) write(msg *protocol.Message) error {
	framed, err := protocol.FrameMessage(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	_, err = conn.Write(framed)
	return err
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (e *notConnectedError) Error() string { return "sender: not connected" }
