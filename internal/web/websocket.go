package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscription narrows a client to one job or one swarm run. Job events
// are only delivered to the job's owner.
type subscription struct {
	tenantID string
	userID   string
	jobID    string
	swarmID  string
}

func (f subscription) matches(ev natsbus.Event) bool {
	if ev.JobID != "" && (ev.TenantID != f.tenantID || ev.UserID != f.userID) {
		return false
	}
	if f.jobID != "" && ev.JobID != f.jobID {
		return false
	}
	if f.swarmID != "" && ev.SwarmID != f.swarmID {
		return false
	}
	return true
}

type broadcast struct {
	event natsbus.Event
	data  []byte
}

type Hub struct {
	clients   map[*websocket.Conn]subscription
	broadcast chan broadcast
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]subscription),
		broadcast: make(chan broadcast, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case b := <-h.broadcast:
			h.mu.Lock()
			for client, sub := range h.clients {
				if !sub.matches(b.event) {
					continue
				}
				if err := client.WriteMessage(websocket.TextMessage, b.data); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for delivery. data is the encoded event.
func (h *Hub) Broadcast(event natsbus.Event, data []byte) {
	select {
	case h.broadcast <- broadcast{event: event, data: data}:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

func (h *Hub) Register(conn *websocket.Conn, sub subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = sub
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWebSocket streams the caller's job events and swarm events.
// ?job=<id> or ?swarm=<id> narrows the feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	sub := subscription{
		tenantID: p.TenantID,
		userID:   p.UserID,
		jobID:    r.URL.Query().Get("job"),
		swarmID:  r.URL.Query().Get("swarm"),
	}
	if sub.jobID != "" {
		if _, err := s.deps.Jobs.Get(sub.jobID, p.TenantID, p.UserID); err != nil {
			writeError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, sub)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Drain reads so close frames and pings are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
