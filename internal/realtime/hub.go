// Package realtime carries chat events over websockets: connections with a
// single writer each, a hub that routes events to channel and personal
// rooms, and a per-connection session that handles inbound events.
package realtime

import (
	"sync"

	"github.com/gorilla/websocket"

	"enquirychat/internal/logger"
	"enquirychat/internal/metrics"
	"enquirychat/internal/model"
)

// Rooms resolves the connections currently viewing a channel
type Rooms interface {
	ConnectionsIn(channelID string) []string
}

// Hub tracks open connections and the personal rooms they joined. Channel
// rooms are owned by the presence registry and looked up through Rooms.
type Hub struct {
	rooms Rooms

	mu       sync.RWMutex
	conns    map[string]*Connection
	personal map[string]map[string]*Connection // user -> conn id -> conn
	joined   map[string]map[string]struct{}    // conn id -> users
}

func NewHub(rooms Rooms) *Hub {
	return &Hub{
		rooms:    rooms,
		conns:    make(map[string]*Connection),
		personal: make(map[string]map[string]*Connection),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Add starts the connection and makes it addressable
func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	total := len(h.conns)
	h.mu.Unlock()

	c.Start()
	metrics.Connections.Inc()
	logger.Info("ws_connected", "conn", c.ID, "user", c.UserID, "total", total)
}

// Remove forgets the connection and every personal room it joined
func (h *Hub) Remove(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	for user := range h.joined[c.ID] {
		h.leaveLocked(user, c.ID)
	}
	delete(h.joined, c.ID)
	total := len(h.conns)
	h.mu.Unlock()

	metrics.Connections.Dec()
	logger.Info("ws_disconnected", "conn", c.ID, "user", c.UserID, "total", total)
}

// JoinPersonal subscribes the connection to userID's personal room
func (h *Hub) JoinPersonal(c *Connection, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	room, ok := h.personal[userID]
	if !ok {
		room = make(map[string]*Connection)
		h.personal[userID] = room
	}
	room[c.ID] = c
	set, ok := h.joined[c.ID]
	if !ok {
		set = make(map[string]struct{})
		h.joined[c.ID] = set
	}
	set[userID] = struct{}{}
}

func (h *Hub) LeavePersonal(c *Connection, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(userID, c.ID)
	if set, ok := h.joined[c.ID]; ok {
		delete(set, userID)
	}
}

func (h *Hub) leaveLocked(userID, connID string) {
	room := h.personal[userID]
	delete(room, connID)
	if len(room) == 0 {
		delete(h.personal, userID)
	}
}

func encode(ev model.Event) ([]byte, bool) {
	payload, err := ev.Encode()
	if err != nil {
		logger.Error("ws_encode_failed", "type", ev.Type, "error", err)
		return nil, false
	}
	return payload, true
}

// ToChannel sends ev to every connection viewing ch whose user is still a
// participant. A viewer removed from the channel gets nothing.
func (h *Hub) ToChannel(ch *model.Channel, ev model.Event) {
	payload, ok := encode(ev)
	if !ok {
		return
	}
	ids := h.rooms.ConnectionsIn(ch.ID)

	// snapshot under the lock, send outside it
	h.mu.RLock()
	targets := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		if !ch.HasParticipant(c.UserID) {
			logger.Debug("ws_send_skipped", "conn", c.ID, "channel", ch.ID, "reason", "not a participant")
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			logger.Debug("ws_send_skipped", "conn", c.ID, "error", err)
		}
	}
}

// ToUser sends ev to every connection in userID's personal room
func (h *Hub) ToUser(userID string, ev model.Event) {
	h.mu.RLock()
	room := h.personal[userID]
	targets := make([]*Connection, 0, len(room))
	for _, c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, ok := encode(ev)
	if !ok {
		return
	}
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			logger.Debug("ws_send_skipped", "conn", c.ID, "error", err)
		}
	}
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client; their sessions clean up as reads fail
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
