package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// client is one live socket session. Frames are queued on send and written by
// the session's write pump; a full queue drops the frame rather than blocking
// the hub.
type client struct {
	sessionID string
	userID    string
	send      chan []byte

	mu     sync.Mutex
	rooms  map[string]bool
	closed bool
}

// enqueue holds the client lock across the send so it cannot race the
// close(send) in unregister. The channel is buffered and the send never
// blocks, so the lock is only held for the non-blocking attempt.
func (c *client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks sessions and their room membership and fans event frames out to
// them. It implements game.Broadcaster.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*client            // session id -> client
	byUser   map[string]map[string]*client // user id -> session id -> client
	rooms    map[string]map[string]*client // room -> session id -> client
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:      logger,
		sessions: make(map[string]*client),
		byUser:   make(map[string]map[string]*client),
		rooms:    make(map[string]map[string]*client),
	}
}

const sendBuffer = 64

func (h *Hub) register(sessionID, userID string) *client {
	c := &client{
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, sendBuffer),
		rooms:     make(map[string]bool),
	}
	h.mu.Lock()
	h.sessions[sessionID] = c
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*client)
	}
	h.byUser[userID][sessionID] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.sessions, c.sessionID)
	if set := h.byUser[c.userID]; set != nil {
		delete(set, c.sessionID)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c.sessionID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*client)
	}
	h.rooms[room][c.sessionID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

// JoinUser adds every live session of a user to a room. Used when the server
// changes a user's room assignment, such as country assignment at game start,
// so connected clients pick the rooms up without a reconnect.
func (h *Hub) JoinUser(userID, room string) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		h.join(c, room)
	}
}

func (h *Hub) leaveAll(c *client) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]bool)
	c.mu.Unlock()

	h.mu.Lock()
	for _, room := range rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c.sessionID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

// marshalFrame encodes one event envelope. The frame is built once per emit
// and shared across all recipients.
func (h *Hub) marshalFrame(event string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("event payload marshal failed", "event", event, "error", err)
		return nil, false
	}
	frame, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		h.log.Error("event frame marshal failed", "event", event, "error", err)
		return nil, false
	}
	return frame, true
}

func (h *Hub) EmitToRoom(room, event string, payload any) {
	frame, ok := h.marshalFrame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		if !c.enqueue(frame) {
			h.log.Warn("dropping frame, session queue full", "event", event, "session", c.sessionID)
		}
	}
}

func (h *Hub) EmitToUser(userID, event string, payload any) {
	frame, ok := h.marshalFrame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	members := make([]*client, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		if !c.enqueue(frame) {
			h.log.Warn("dropping frame, session queue full", "event", event, "session", c.sessionID)
		}
	}
}

func (h *Hub) EmitToAll(event string, payload any) {
	frame, ok := h.marshalFrame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	members := make([]*client, 0, len(h.sessions))
	for _, c := range h.sessions {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		if !c.enqueue(frame) {
			h.log.Warn("dropping frame, session queue full", "event", event, "session", c.sessionID)
		}
	}
}

// SessionCount reports the number of live sessions, for the health endpoint.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
