package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reelforge/reelforge/pkg/core"
)

// envelope is the wire shape of every streamed event.
type envelope struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub broadcasts bus events to websocket clients subscribed per project.
type Hub struct {
	bus      *Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{} // projectID -> conns
}

// NewHub creates a hub over the given bus.
func NewHub(bus *Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Run consumes bus events and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ch, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(e)
		}
	}
}

// Serve upgrades the request to a websocket subscribed to projectID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.conns[projectID] == nil {
		h.conns[projectID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[projectID][conn] = struct{}{}
	h.mu.Unlock()

	// Reader loop only detects close; clients don't send anything.
	go func() {
		defer h.drop(projectID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(e core.Event) {
	data, err := json.Marshal(envelope{
		Type:      e.EventType(),
		ProjectID: e.Project(),
		Payload:   e,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("event marshal failed", "type", e.EventType(), "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[e.Project()]))
	for c := range h.conns[e.Project()] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(e.Project(), c)
		}
	}
}

func (h *Hub) drop(projectID string, conn *websocket.Conn) {
	h.mu.Lock()
	if set, ok := h.conns[projectID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, projectID)
		}
	}
	h.mu.Unlock()
	conn.Close()
}
