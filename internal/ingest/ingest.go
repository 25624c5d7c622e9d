// Package ingest implements HoneyGrid's C6 component: the per-message
// pipeline run for every well-formed frame a session (C5) hands off —
// identity check, replay check, dispatch by msg_type, persistence, and
// fan-out to notifiers and the UI queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/honeygrid/honeygrid/internal/noncecache"
	"github.com/honeygrid/honeygrid/internal/notify"
	"github.com/honeygrid/honeygrid/internal/protocol"
	"github.com/honeygrid/honeygrid/internal/store"
)

// UIQueue is the minimal contract ingest needs from the UI fan-out queue
// (internal/uiqueue), kept here so this package doesn't import it directly.
type UIQueue interface {
	TryPush(event notify.Event) (ok bool)
}

// Pipeline wires the nonce cache, store, notifier gates, and UI queue
// together per spec §4.6.
type Pipeline struct {
	store   *store.Store
	nonces  *noncecache.Cache
	gates   []*notify.NotifierGate
	ui      UIQueue
	logger  *slog.Logger
	metrics Metrics
}

// Metrics is the subset of telemetry.Metrics ingest increments. Defined
// locally to avoid an import cycle; telemetry.Metrics satisfies it.
type Metrics interface {
	IncEventsIngested(eventType string)
	IncReplaysRejected()
	IncMessagesDropped(reason string)
}

// noopMetrics discards all counts, used when the caller has none wired.
type noopMetrics struct{}

func (noopMetrics) IncEventsIngested(string) {}
func (noopMetrics) IncReplaysRejected()      {}
func (noopMetrics) IncMessagesDropped(string) {}

// NewPipeline builds a Pipeline. metrics may be nil to discard counts.
func NewPipeline(st *store.Store, nonces *noncecache.Cache, gates []*notify.NotifierGate, ui UIQueue, metrics Metrics) *Pipeline {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipeline{
		store:   st,
		nonces:  nonces,
		gates:   gates,
		ui:      ui,
		logger:  slog.Default().With("component", "ingest"),
		metrics: metrics,
	}
}

// OnEstablished upserts the agent row when a session's identity becomes
// known, satisfying session.Handler.
func (p *Pipeline) OnEstablished(ctx context.Context, agentID, remoteAddr string) {
	host, ip := remoteAddr, remoteAddr
	if err := p.store.RegisterAgent(ctx, agentID, host, ip, nil); err != nil {
		p.logger.Error("register agent failed", "agent_id", agentID, "error", err)
	}
}

// OnClosed marks the agent offline when its session ends, satisfying
// session.Handler.
func (p *Pipeline) OnClosed(ctx context.Context, agentID string) {
	if _, err := p.store.UpdateAgentStatus(ctx, agentID, "offline"); err != nil {
		p.logger.Error("mark agent offline failed", "agent_id", agentID, "error", err)
	}
}

// Dispatch runs the C6 algorithm for one parsed frame, satisfying
// session.Handler.
func (p *Pipeline) Dispatch(ctx context.Context, sessionAgentID string, msg *protocol.Message) {
	// Step 1: identity check.
	if msg.Header.AgentID != sessionAgentID {
		p.logger.Warn("impersonation attempt: agent_id mismatch",
			"session_agent_id", sessionAgentID, "message_agent_id", msg.Header.AgentID)
		p.metrics.IncMessagesDropped("identity_mismatch")
		return
	}

	// Step 2: fast-path replay check (authoritative check is the DB
	// unique constraint in InsertEvent).
	if p.nonces.Add(msg.Header.Nonce) {
		p.logger.Info("replay rejected (cache)", "agent_id", sessionAgentID, "nonce", msg.Header.Nonce)
		p.metrics.IncReplaysRejected()
		return
	}

	// Step 3: dispatch by msg_type.
	switch msg.Header.MsgType {
	case protocol.MsgEvent:
		p.handleEvent(ctx, msg)
	case protocol.MsgHeartbeat:
		p.handleHeartbeat(ctx, msg)
	case protocol.MsgStatus:
		p.logger.Info("status message received", "agent_id", sessionAgentID)
	default:
		p.logger.Warn("dropping unknown msg_type", "agent_id", sessionAgentID, "msg_type", msg.Header.MsgType)
		p.metrics.IncMessagesDropped("unknown_msg_type")
	}
}

func (p *Pipeline) handleHeartbeat(ctx context.Context, msg *protocol.Message) {
	var data protocol.HeartbeatData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		p.logger.Warn("malformed heartbeat payload", "agent_id", msg.Header.AgentID, "error", err)
		return
	}
	status := data.Status
	if status == "" {
		status = "healthy"
	}
	if _, err := p.store.UpdateAgentStatus(ctx, msg.Header.AgentID, status); err != nil {
		p.logger.Error("update agent status failed", "agent_id", msg.Header.AgentID, "error", err)
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, msg *protocol.Message) {
	fields, err := protocol.DecodeEventData(msg.Data)
	if err != nil {
		p.logger.Warn("malformed event payload", "agent_id", msg.Header.AgentID, "error", err)
		return
	}

	timestamp := time.Unix(msg.Header.Timestamp, 0).UTC()
	id, err := p.store.InsertEvent(ctx, msg.Header.AgentID, fields.TokenID, fields.Path, fields.EventType,
		msg.Header.Nonce, timestamp, fields.Extra)
	if err != nil {
		var dup *store.DuplicateNonce
		if errors.As(err, &dup) {
			p.logger.Info("replay rejected (db)", "agent_id", msg.Header.AgentID, "nonce", msg.Header.Nonce)
			p.metrics.IncReplaysRejected()
			return
		}
		p.logger.Error("insert event failed", "agent_id", msg.Header.AgentID, "error", err)
		return
	}

	p.metrics.IncEventsIngested(fields.EventType)
	p.fanOut(ctx, id, msg.Header.AgentID, fields, timestamp)
}

// fanOut runs step 5 of spec §4.6: notifier gates first, UI queue second,
// both best-effort and never blocking each other or the caller.
func (p *Pipeline) fanOut(ctx context.Context, eventID int64, agentID string, fields protocol.EventData, timestamp time.Time) {
	view := notify.Event{
		AgentID:   agentID,
		TokenID:   fields.TokenID,
		Path:      fields.Path,
		EventType: fields.EventType,
		Timestamp: timestamp,
		Severity:  notify.SeverityFromEventType(fields.EventType),
		Data:      fields.Extra,
	}

	for _, gate := range p.gates {
		g := gate
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("notifier gate panicked", "error", r)
				}
			}()
			g.Notify(ctx, view)
		}()
	}

	if p.ui != nil {
		if !p.ui.TryPush(view) {
			p.logger.Debug("ui queue full, dropping copy", "event_id", eventID)
		}
	}
}
