package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perfwatch/internal/storage"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ActiveLister returns the currently open incidents.
type ActiveLister interface {
	QueryActive(ctx context.Context) ([]storage.Incident, error)
}

// Snapshot is the first message on every connection so an observer can
// rebuild state before relayed events arrive.
type Snapshot struct {
	Type      string             `json:"type"`
	Incidents []storage.Incident `json:"incidents"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub relays bus events to websocket observers.
type Hub struct {
	bus      *Bus
	active   ActiveLister
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

// NewHub builds a websocket relay over bus.
func NewHub(bus *Bus, active ActiveLister, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		active: active,
		logger: logger.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Clients reports the number of connected observers.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	// subscribe before the snapshot so nothing between the two is lost
	events := h.bus.Subscribe(id)
	h.clients.Add(1)
	h.logger.Debug().Str("client", id).Msg("observer connected")

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(r.Context(), conn, events, done)

	h.bus.Release(id, events)
	h.clients.Add(-1)
	_ = conn.Close()
	h.logger.Debug().Str("client", id).Msg("observer disconnected")
}

// readPump discards inbound frames and keeps the pong deadline fresh.
func (h *Hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, events <-chan Event, done <-chan struct{}) {
	if err := h.writeSnapshot(ctx, conn); err != nil {
		h.logger.Warn().Err(err).Msg("send snapshot failed")
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case evt, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	snap := Snapshot{Type: "snapshot", Incidents: []storage.Incident{}, Timestamp: time.Now().UTC()}
	if h.active != nil {
		incidents, err := h.active.QueryActive(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("query active incidents for snapshot")
		} else {
			snap.Incidents = incidents
		}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
