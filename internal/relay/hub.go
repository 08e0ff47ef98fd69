// Package relay implements the signaling relay: it brokers frames
// between the peers of a room and serves the room, message and upload
// APIs. It never inspects media content.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

// client is one connected peer: identity, transport endpoint and the
// relay's view of its voice flag.
type client struct {
	id       domain.UserID
	username string
	roomID   domain.RoomID

	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	closed  bool
	inVoice bool
}

func (c *client) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *client) setVoice(inVoice bool) {
	c.mu.Lock()
	c.inVoice = inVoice
	c.mu.Unlock()
}

func (c *client) voice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inVoice
}

// Hub is the threadsafe registry of live connections per room. It owns
// membership only; message history lives in the store.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.roomID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.roomID] = room
	}
	room[c] = struct{}{}
	log.Info().Str("module", "relay.hub").Str("room", string(c.roomID)).Str("user", string(c.id)).Msg("client added")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.roomID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.roomID)
	}
	log.Info().Str("module", "relay.hub").Str("room", string(c.roomID)).Str("user", string(c.id)).Msg("client removed")
}

func (h *Hub) count(roomID domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// participants snapshots the live members of a room with voice flags.
func (h *Hub) participants(roomID domain.RoomID) []domain.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Participant, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		out = append(out, domain.Participant{ID: c.id, Username: c.username, InVoice: c.voice()})
	}
	return out
}

// Broadcast fans a frame out to every client of the room, optionally
// excluding the sender. Slow clients are dropped: signaling must stay
// timely or not at all.
func (h *Hub) Broadcast(roomID domain.RoomID, msg protocol.Message, exclude *client) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Msg("encode broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.trySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay.hub").Str("user", string(c.id)).Msg("dropping slow client")
			h.remove(c)
			c.close()
		}
	}
}

func (h *Hub) sendTo(c *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Msg("encode frame")
		return
	}
	if err := c.trySend(data); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("user", string(c.id)).Msg("send failed")
	}
}

func (c *client) writePump(timeout time.Duration) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			log.Error().Err(err).Str("module", "relay.hub").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "relay.hub").Msg("writePump write error")
			return
		}
	}
}
