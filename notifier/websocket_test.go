package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

// relay is a minimal in-test invalidation relay: it echoes every received
// frame back to all connected clients, as the production relay does.
type relay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (r *relay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			r.mu.Lock()
			for _, peer := range r.conns {
				_ = peer.WriteMessage(msgType, data)
			}
			r.mu.Unlock()
		}
	}()
}

func newTestRelay(t *testing.T) string {
	t.Helper()

	r := &relay{}
	server := httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestNotifier(t *testing.T, url string) types.Notifier {
	t.Helper()

	n, err := NewWebSocketNotifier(context.Background(), logger.NewNopLogger(), &types.NotifierConfig{
		Enabled: true,
		Type:    "websocket",
		Config:  &WebSocketConfig{URL: url},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	return n
}

func TestWebSocketNotifierPartialConfigGetsDefaults(t *testing.T) {
	url := newTestRelay(t)

	// only the URL set, as an embedder would pass it
	n, err := NewWebSocketNotifier(context.Background(), logger.NewNopLogger(), &types.NotifierConfig{
		Enabled: true,
		Type:    "websocket",
		Config:  &WebSocketConfig{URL: url},
	}, nil)
	require.NoError(t, err)

	ws := n.(*WebSocketNotifier)
	assert.Equal(t, url, ws.config.URL)
	assert.Equal(t, 5*time.Second, ws.config.ReconnectDelay)
	assert.Equal(t, 10, ws.config.MaxRetries)
	assert.Equal(t, 54*time.Second, ws.config.PingInterval)
	assert.Equal(t, 60*time.Second, ws.config.PongWait)
	assert.Equal(t, 10*time.Second, ws.config.WriteWait)

	// the pumps must survive a partial config
	require.NoError(t, n.Start())
	require.NoError(t, n.Stop())
}

func TestNotifierDisabled(t *testing.T) {
	_, err := NewNotifier(context.Background(), &types.NotifierConfig{Enabled: false}, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrNotifierIsDisabled)

	_, err = NewNotifier(context.Background(), nil, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrNotifierIsDisabled)
}

func TestNotifierUnknownType(t *testing.T) {
	_, err := NewNotifier(context.Background(), &types.NotifierConfig{
		Enabled: true,
		Type:    "nats",
	}, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrNotifierTypeUnknown)
}

func TestNotifierPublishRequiresRunning(t *testing.T) {
	url := newTestRelay(t)

	n, err := NewWebSocketNotifier(context.Background(), logger.NewNopLogger(), &types.NotifierConfig{
		Enabled: true,
		Type:    "websocket",
		Config:  &WebSocketConfig{URL: url},
	}, nil)
	require.NoError(t, err)

	err = n.Publish(&types.InvalidationEvent{Keys: []string{"/k"}})
	assert.ErrorIs(t, err, types.ErrNotifierNotRunning)
}

func TestNotifierEventReachesPeer(t *testing.T) {
	url := newTestRelay(t)

	publisher := newTestNotifier(t, url)
	subscriber := newTestNotifier(t, url)

	received := make(chan *types.InvalidationEvent, 1)
	subscriber.Subscribe(func(event *types.InvalidationEvent) {
		select {
		case received <- event:
		default:
		}
	})

	require.NoError(t, publisher.Publish(&types.InvalidationEvent{
		Keys: []string{"/blog/a"},
		Hard: true,
	}))

	select {
	case event := <-received:
		assert.Equal(t, []string{"/blog/a"}, event.Keys)
		assert.True(t, event.Hard)
		assert.NotEmpty(t, event.ID)
		assert.NotEmpty(t, event.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not reach the peer")
	}
}

func TestNotifierSkipsOwnEvents(t *testing.T) {
	url := newTestRelay(t)

	n := newTestNotifier(t, url)

	received := make(chan *types.InvalidationEvent, 1)
	n.Subscribe(func(event *types.InvalidationEvent) {
		received <- event
	})

	// The relay echoes to all clients, including the publisher; the origin
	// check must filter the echo.
	require.NoError(t, n.Publish(&types.InvalidationEvent{Keys: []string{"/k"}}))

	select {
	case <-received:
		t.Fatal("notifier handled its own event")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInvalidationEventRoundTrip(t *testing.T) {
	event := &types.InvalidationEvent{
		ID:       "evt-1",
		Origin:   "instance-a",
		Tag:      "blog",
		Hard:     true,
		IssuedAt: time.Now().UTC(),
	}

	data, err := utils.Marshal(event)
	require.NoError(t, err)

	var decoded types.InvalidationEvent
	require.NoError(t, utils.Unmarshal(data, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.Tag, decoded.Tag)
	assert.True(t, decoded.Hard)
	assert.Empty(t, decoded.Keys)
}
