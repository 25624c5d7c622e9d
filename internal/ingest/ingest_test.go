package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/honeygrid/honeygrid/internal/noncecache"
	"github.com/honeygrid/honeygrid/internal/notify"
	"github.com/honeygrid/honeygrid/internal/protocol"
	"github.com/honeygrid/honeygrid/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir+"/test.db", "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type capturingSink struct {
	mu   sync.Mutex
	sent []notify.Event
}

func (s *capturingSink) Name() string { return "capture" }
func (s *capturingSink) Send(ctx context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return nil
}
func (s *capturingSink) SendBatch(ctx context.Context, events []notify.Event) error { return nil }
func (s *capturingSink) snapshot() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event{}, s.sent...)
}

type fakeUIQueue struct {
	mu     sync.Mutex
	pushed []notify.Event
	full   bool
}

func (q *fakeUIQueue) TryPush(e notify.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.pushed = append(q.pushed, e)
	return true
}

func eventMessage(t *testing.T, agentID, tokenID, path, eventType, nonce string, ts time.Time) *protocol.Message {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"token_id": tokenID, "path": path, "event_type": eventType,
	})
	require.NoError(t, err)
	return &protocol.Message{
		Header: protocol.Header{
			Nonce: nonce, Timestamp: ts.Unix(), AgentID: agentID, MsgType: protocol.MsgEvent,
		},
		Data: data,
	}
}

func TestDispatchDropsOnIdentityMismatch(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, noncecache.New(10), nil, nil, nil)

	msg := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "n1", time.Now())
	p.Dispatch(context.Background(), "agent-b", msg)

	events, err := st.GetRecentEvents(context.Background(), 10, "")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDispatchPersistsEventAndFansOut(t *testing.T) {
	st := newTestStore(t)
	sink := &capturingSink{}
	gate := notify.NewGate(sink, notify.GateConfig{Enabled: true, MinSeverity: notify.SeverityInfo})
	ui := &fakeUIQueue{}
	p := NewPipeline(st, noncecache.New(10), []*notify.NotifierGate{gate}, ui, nil)

	msg := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "nonce-1", time.Now())
	p.Dispatch(context.Background(), "agent-a", msg)

	events, err := st.GetRecentEvents(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tok1", events[0].TokenID)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	ui.mu.Lock()
	pushed := len(ui.pushed)
	ui.mu.Unlock()
	require.Equal(t, 1, pushed)
}

func TestDispatchReplayRejectedByCache(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, noncecache.New(10), nil, nil, nil)

	msg1 := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "dup-nonce", time.Now())
	msg2 := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "dup-nonce", time.Now())

	p.Dispatch(context.Background(), "agent-a", msg1)
	p.Dispatch(context.Background(), "agent-a", msg2)

	events, err := st.GetRecentEvents(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1, "second message with the same nonce must be rejected by the cache before reaching the store")
}

func TestDispatchReplayRejectedByDBWhenCacheEvicted(t *testing.T) {
	st := newTestStore(t)
	// capacity 1 forces the first nonce to be evicted by the second distinct one
	p := NewPipeline(st, noncecache.New(1), nil, nil, nil)

	msg1 := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "nonce-a", time.Now())
	msgOther := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "nonce-b", time.Now())
	msg1Replay := eventMessage(t, "agent-a", "tok1", "/etc/passwd", "opened", "nonce-a", time.Now())

	p.Dispatch(context.Background(), "agent-a", msg1)
	p.Dispatch(context.Background(), "agent-a", msgOther)
	p.Dispatch(context.Background(), "agent-a", msg1Replay)

	events, err := st.GetRecentEvents(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2, "the DB unique constraint must still catch a replay the LRU cache has forgotten")
}

func TestDispatchHeartbeatUpdatesAgentStatus(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RegisterAgent(context.Background(), "agent-a", "host", "ip", nil))
	p := NewPipeline(st, noncecache.New(10), nil, nil, nil)

	data, err := json.Marshal(protocol.HeartbeatData{Status: "healthy"})
	require.NoError(t, err)
	msg := &protocol.Message{
		Header: protocol.Header{Nonce: "hb-nonce", Timestamp: time.Now().Unix(), AgentID: "agent-a", MsgType: protocol.MsgHeartbeat},
		Data:   data,
	}
	p.Dispatch(context.Background(), "agent-a", msg)

	agent, err := st.GetAgent(context.Background(), "agent-a")
	require.NoError(t, err)
	require.Equal(t, "healthy", agent.Status)
}

func TestDispatchUnknownMsgTypeDropped(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, noncecache.New(10), nil, nil, nil)

	msg := &protocol.Message{
		Header: protocol.Header{Nonce: "n1", Timestamp: time.Now().Unix(), AgentID: "agent-a", MsgType: protocol.MsgType("bogus")},
		Data:   json.RawMessage(`{}`),
	}
	require.NotPanics(t, func() {
		p.Dispatch(context.Background(), "agent-a", msg)
	})
}
