package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_BroadcastsToWebSocketClients(t *testing.T) {
	hub := NewEventHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/events", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Event{Type: domain.EventTransferFinished, Name: "Foo", Bytes: 42, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.EventTransferFinished, got.Type)
	assert.Equal(t, "Foo", got.Name)
	assert.Equal(t, int64(42), got.Bytes)
}

func TestEventHub_PublishNeverBlocks(t *testing.T) {
	hub := NewEventHub(testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.Publish(domain.Event{Type: domain.EventLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running broadcaster")
	}
	assert.Len(t, hub.History(), historySize)
}

func TestEventHub_ListEvents(t *testing.T) {
	hub := NewEventHub(testLogger())
	hub.Publish(domain.Event{Type: domain.EventDumpDone})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/events", hub.ListEvents)

	w := serve(r, "/api/events")
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"dump_done"`)
}
