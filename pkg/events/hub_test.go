package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/core"
	"github.com/reelforge/reelforge/pkg/events"
)

func dialHub(t *testing.T, hub *events.Hub, projectID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, projectID)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StreamsProjectEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	hub := events.NewHub(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub, "p1")
	time.Sleep(50 * time.Millisecond) // registration before the emit

	bus.Emit(&core.SceneCompleted{ProjectID: "p1", SceneID: "s1", Index: 0, Score: 8.2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type      string          `json:"type"`
		ProjectID string          `json:"projectId"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "SCENE_COMPLETED", env.Type)
	assert.Equal(t, "p1", env.ProjectID)
	assert.Contains(t, string(env.Payload), `"sceneId":"s1"`)
}

func TestHub_ScopesEventsToSubscribedProject(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	hub := events.NewHub(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub, "p1")
	time.Sleep(50 * time.Millisecond)

	bus.Emit(&core.Log{ProjectID: "p2", Message: "other project"})
	bus.Emit(&core.Log{ProjectID: "p1", Message: "mine"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mine"`)
	assert.NotContains(t, string(data), "other project")
}
