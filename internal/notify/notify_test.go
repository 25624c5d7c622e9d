package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSink is a test double counting Send/SendBatch invocations.
type recordingSink struct {
	mu       sync.Mutex
	sent     []Event
	batches  [][]Event
	failNext bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return context.DeadlineExceeded
	}
	s.sent = append(s.sent, e)
	return nil
}

func (s *recordingSink) SendBatch(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return nil
}

func TestSeverityFromEventType(t *testing.T) {
	require.Equal(t, SeverityLow, SeverityFromEventType("created"))
	require.Equal(t, SeverityMedium, SeverityFromEventType("moved"))
	require.Equal(t, SeverityHigh, SeverityFromEventType("modified"))
	require.Equal(t, SeverityHigh, SeverityFromEventType("deleted"))
	require.Equal(t, SeverityCritical, SeverityFromEventType("opened"))
	require.Equal(t, SeverityCritical, SeverityFromEventType("accessed"))
	require.Equal(t, SeverityInfo, SeverityFromEventType("unknown_thing"))
}

func TestParseSeverity(t *testing.T) {
	require.Equal(t, SeverityCritical, ParseSeverity("critical"))
	require.Equal(t, SeverityHigh, ParseSeverity("HIGH"))
	require.Equal(t, SeverityLow, ParseSeverity("not-a-severity"))
}

func TestGateDisabledNeverDispatches(t *testing.T) {
	sink := &recordingSink{}
	gate := NewGate(sink, GateConfig{Enabled: false, MinSeverity: SeverityInfo})

	ok := gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.False(t, ok)
	require.Empty(t, sink.sent)
}

func TestGateFiltersBelowMinSeverity(t *testing.T) {
	sink := &recordingSink{}
	gate := NewGate(sink, GateConfig{Enabled: true, MinSeverity: SeverityHigh})

	ok := gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "created"})
	require.False(t, ok)
	require.Empty(t, sink.sent)

	ok = gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.True(t, ok)
	require.Len(t, sink.sent, 1)
}

func TestGateRateLimitsPerKey(t *testing.T) {
	sink := &recordingSink{}
	gate := NewGate(sink, GateConfig{Enabled: true, MinSeverity: SeverityInfo, RateLimitSeconds: 60})

	ok := gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.True(t, ok)

	ok = gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.False(t, ok, "second notify for same token within rate limit window should be suppressed")

	ok = gate.Notify(context.Background(), Event{TokenID: "t2", EventType: "opened"})
	require.True(t, ok, "different token is a different rate limit key")

	require.Len(t, sink.sent, 2)
}

func TestGateBatchModeBuffersUntilFlush(t *testing.T) {
	sink := &recordingSink{}
	gate := NewGate(sink, GateConfig{Enabled: true, MinSeverity: SeverityInfo, BatchMode: true})

	ok := gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.True(t, ok)
	require.Empty(t, sink.sent)
	require.Empty(t, sink.batches)

	ok = gate.FlushBatch(context.Background())
	require.True(t, ok)
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
}

func TestGateFlushBatchNoopWhenEmpty(t *testing.T) {
	sink := &recordingSink{}
	gate := NewGate(sink, GateConfig{Enabled: true, BatchMode: true})

	ok := gate.FlushBatch(context.Background())
	require.True(t, ok)
	require.Empty(t, sink.batches)
}

func TestGateSendFailureDoesNotRecordRateLimitTimestamp(t *testing.T) {
	sink := &recordingSink{failNext: true}
	gate := NewGate(sink, GateConfig{Enabled: true, MinSeverity: SeverityInfo, RateLimitSeconds: 60})

	ok := gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.False(t, ok)

	ok = gate.Notify(context.Background(), Event{TokenID: "t1", EventType: "opened"})
	require.True(t, ok, "a failed send must not block the next attempt via the rate limiter")
}

func TestWebhookSinkPostsDiscordShapedEmbed(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, "", "", "")
	err := sink.Send(context.Background(), Event{
		AgentID: "agent-1", TokenID: "tok-1", Path: "/etc/passwd",
		EventType: "opened", Timestamp: time.Now(), Severity: SeverityCritical,
	})
	require.NoError(t, err)

	embeds, ok := received["embeds"].([]interface{})
	require.True(t, ok)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]interface{})
	require.EqualValues(t, 0xe74c3c, embed["color"])
}

func TestWebhookSinkBatchSummarizesUpToTen(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, "Bot", "", "")
	events := make([]Event, 15)
	for i := range events {
		events[i] = Event{AgentID: "agent-1", TokenID: "tok-1", EventType: "created"}
	}
	err := sink.SendBatch(context.Background(), events)
	require.NoError(t, err)

	embeds := received["embeds"].([]interface{})
	embed := embeds[0].(map[string]interface{})
	require.Contains(t, embed["title"], "15 Events")

	fields := embed["fields"].([]interface{})
	recent := fields[len(fields)-1].(map[string]interface{})
	require.Equal(t, "Recent Events", recent["name"])
	require.Contains(t, recent["value"], "10. agent-1 - created - tok-1")
	require.NotContains(t, recent["value"], "11. ")
	require.Contains(t, recent["value"], "... and 5 more events")
}

func TestWebhookSinkRejectsEmptyURL(t *testing.T) {
	sink := NewWebhookSink("", "", "", "")
	err := sink.Send(context.Background(), Event{})
	require.Error(t, err)
}
