package uiqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/honeygrid/honeygrid/internal/notify"
)

func TestTryPushRespectsCapacityAndDropsWhenFull(t *testing.T) {
	hub := NewHub()
	q := NewQueue(2, hub, nil, "")

	require.True(t, q.TryPush(notify.Event{TokenID: "t1"}))
	require.True(t, q.TryPush(notify.Event{TokenID: "t2"}))
	require.False(t, q.TryPush(notify.Event{TokenID: "t3"}), "third push into a capacity-2 queue must be dropped, not block")
}

type fakeRedis struct {
	mu        sync.Mutex
	published [][]byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, message)
	return nil
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestRunBroadcastsAndPublishesToRedis(t *testing.T) {
	hub := NewHub()
	redis := &fakeRedis{}
	q := NewQueue(4, hub, redis, "test-channel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.TryPush(notify.Event{TokenID: "t1", EventType: "opened"})

	require.Eventually(t, func() bool {
		return redis.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHubBroadcastsToConnectedClients(t *testing.T) {
	hub := NewHub()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(conn)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(notify.Event{TokenID: "tok-broadcast"})

	var received notify.Event
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&received))
	require.Equal(t, "tok-broadcast", received.TokenID)
}
