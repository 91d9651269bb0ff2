package stubportal

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan models.Event
	rooms  map[string]struct{}
}

// hub tracks connected clients and their room membership. Room membership
// is declared per connection via join events and forgotten on disconnect,
// matching the portal's behavior across reconnects.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) []string {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	online := make([]string, 0, len(h.clients))
	seen := map[string]struct{}{}
	for cl := range h.clients {
		if _, ok := seen[cl.userID]; !ok {
			seen[cl.userID] = struct{}{}
			online = append(online, cl.userID)
		}
	}
	h.mu.Unlock()
	h.broadcast(models.EventUserOnline, models.PresencePayload{UserID: c.userID}, nil)
	return online
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	h.broadcast(models.EventUserOffline, models.PresencePayload{UserID: c.userID}, nil)
}

// broadcast sends an event to every client except skip. Slow clients drop
// frames rather than stalling the hub.
func (h *hub) broadcast(name string, payload any, skip *client) {
	ev, err := models.NewEvent(name, payload)
	if err != nil {
		logger.Error("stub_broadcast_marshal_failed", "event", name, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- ev:
		default:
			logger.Warn("stub_client_slow", "user", c.userID, "event", name)
		}
	}
}

// broadcastRoom sends an event only to clients that joined the room.
func (h *hub) broadcastRoom(room, name string, payload any, skip *client) {
	ev, err := models.NewEvent(name, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		if _, ok := c.rooms[room]; !ok {
			continue
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}

// serveWS upgrades the connection and runs the read/write pumps, in the
// manner of a classic gorilla hub.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("stub_upgrade_failed", "err", err)
		return
	}
	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan models.Event, 64),
		rooms:  make(map[string]struct{}),
	}
	online := s.hub.register(c)
	logger.Info("stub_ws_connected", "user", userID)

	// Seed the newcomer with current presence.
	for _, id := range online {
		ev, _ := models.NewEvent(models.EventUserOnline, models.PresencePayload{UserID: id})
		select {
		case c.send <- ev:
		default:
		}
	}

	go func() {
		for ev := range c.send {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		s.handleClientEvent(c, ev)
	}
	s.hub.unregister(c)
	_ = conn.Close()
	logger.Info("stub_ws_disconnected", "user", userID)
}

func (s *Server) handleClientEvent(c *client, ev models.Event) {
	switch ev.Name {
	case models.EventJoinConversation:
		var p models.JoinPayload
		if err := jsonUnmarshal(ev.Data, &p); err == nil && p.ConversationID != "" {
			s.hub.mu.Lock()
			c.rooms["conv:"+p.ConversationID] = struct{}{}
			s.hub.mu.Unlock()
		}
	case models.EventJoinUser:
		var p models.JoinPayload
		if err := jsonUnmarshal(ev.Data, &p); err == nil && p.UserID != "" {
			s.hub.mu.Lock()
			c.rooms["user:"+p.UserID] = struct{}{}
			s.hub.mu.Unlock()
		}
	case models.EventTypingStart, models.EventTypingStop:
		var p models.TypingPayload
		if err := jsonUnmarshal(ev.Data, &p); err == nil && p.ConversationID != "" {
			p.UserID = c.userID
			s.hub.broadcastRoom("conv:"+p.ConversationID, ev.Name, p, c)
		}
	default:
		logger.Debug("stub_event_ignored", "event", ev.Name)
	}
}
