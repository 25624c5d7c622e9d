package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "honeygrid.db")
	s, err := Open(dbPath, "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RegisterAgent(ctx, "agent-001", "host-a", "10.0.0.1", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	agent, err := s.GetAgent(ctx, "agent-001")
	require.NoError(t, err)
	require.NotNil(t, agent)
	require.Equal(t, "healthy", agent.Status)
	require.Equal(t, "v", agent.Metadata["k"])
}

func TestRegisterAgentUpsertPreservesRegisteredAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "host-a", "10.0.0.1", nil))
	first, err := s.GetAgent(ctx, "agent-001")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "host-b", "10.0.0.2", nil))
	second, err := s.GetAgent(ctx, "agent-001")
	require.NoError(t, err)

	require.Equal(t, first.RegisteredAt.Unix(), second.RegisteredAt.Unix())
	require.Equal(t, "host-b", second.Hostname)
}

func TestInsertEventSetsAgentWarning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "", "", nil))

	id, err := s.InsertEvent(ctx, "agent-001", "t-1", "/etc/passwd", "opened", "nonce-1", time.Now(), map[string]interface{}{"k": 1.0})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	agent, err := s.GetAgent(ctx, "agent-001")
	require.NoError(t, err)
	require.Equal(t, "warning", agent.Status)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "/etc/passwd", event.Path)
	require.Equal(t, 1.0, event.Data["k"])
}

func TestInsertEventDuplicateNonceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "", "", nil))

	_, err := s.InsertEvent(ctx, "agent-001", "t-1", "/x", "opened", "dup-nonce", time.Now(), nil)
	require.NoError(t, err)

	_, err = s.InsertEvent(ctx, "agent-001", "t-1", "/x", "opened", "dup-nonce", time.Now(), nil)
	require.Error(t, err)
	var dup *DuplicateNonce
	require.ErrorAs(t, err, &dup)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalEvents)
}

func TestEncryptionProducesDistinctCiphertextsSamePlaintext(t *testing.T) {
	s := newTestStore(t)
	c1, err := s.encryptString("same-plaintext")
	require.NoError(t, err)
	c2, err := s.encryptString("same-plaintext")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	p1, err := s.decryptString(c1)
	require.NoError(t, err)
	p2, err := s.decryptString(c2)
	require.NoError(t, err)
	require.Equal(t, "same-plaintext", p1)
	require.Equal(t, "same-plaintext", p2)
}

func TestGetRecentEventsOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "", "", nil))

	base := time.Now().Add(-1 * time.Hour)
	_, err := s.InsertEvent(ctx, "agent-001", "t-1", "/a", "created", "n1", base, nil)
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, "agent-001", "t-1", "/b", "modified", "n2", base.Add(time.Minute), nil)
	require.NoError(t, err)

	events, err := s.GetRecentEvents(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "modified", events[0].EventType)
	require.Equal(t, "created", events[1].EventType)
}

func TestRegisterAndGetToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RegisterToken(ctx, "t-1", "decoy.txt", "/srv/decoy.txt", "", "deployed", nil)
	require.NoError(t, err)

	tok, err := s.GetToken(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "/srv/decoy.txt", tok.Path)
}

func TestEventReferencingUnknownTokenStillAccepted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, "agent-001", "", "", nil))

	_, err := s.InsertEvent(ctx, "agent-001", "unknown-token", "/x", "created", "n1", time.Now(), nil)
	require.NoError(t, err)
}
