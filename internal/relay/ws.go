package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/relay/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSignal upgrades the connection and runs the signaling loop for
// one peer. Connecting to an unknown room id creates the room, which
// gives the websocket path create-or-get directory semantics.
func (s *Server) handleSignal(c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.store.GetRoom(roomID); errors.Is(err, store.ErrRoomNotFound) {
		room := domain.Room{ID: roomID, Name: string(roomID), CreatedAt: time.Now().UTC()}
		if err := s.store.CreateRoom(room); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
			return
		}
	}

	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetString("client_token")
	}
	username := c.Query("username")
	if username == "" {
		username = "guest"
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	cl := &client{
		id:       domain.UserID(userID),
		username: username,
		roomID:   roomID,
		conn:     ws,
		send:     make(chan []byte, s.cfg.SendBuffer),
	}
	s.hub.add(cl)
	s.hub.Broadcast(roomID, &protocol.UserJoined{
		RoomID:     roomID,
		UserID:     cl.id,
		Username:   cl.username,
		TotalUsers: s.hub.count(roomID),
	}, cl)

	go cl.writePump(s.cfg.WriteTimeout)
	s.readLoop(cl)
}

func (s *Server) readLoop(cl *client) {
	defer func() {
		s.hub.remove(cl)
		cl.close()
		s.hub.Broadcast(cl.roomID, &protocol.UserLeft{
			RoomID:     cl.roomID,
			UserID:     cl.id,
			Username:   cl.username,
			TotalUsers: s.hub.count(cl.roomID),
		}, nil)
		log.Info().Str("module", "relay").Str("user", string(cl.id)).Msg("signaling connection closed")
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(cl.id)).Msg("bad frame")
			continue
		}
		s.handleFrame(cl, msg)
	}
}

func (s *Server) handleFrame(cl *client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Join:
		s.sendRoomInfo(cl)

	case *protocol.JoinVoice:
		cl.setVoice(true)
		s.hub.Broadcast(cl.roomID, &protocol.VoiceUpdate{
			UserID: cl.id, Username: cl.username, IsInVoice: true,
		}, nil)

	case *protocol.LeaveVoice:
		cl.setVoice(false)
		s.hub.Broadcast(cl.roomID, &protocol.VoiceUpdate{
			UserID: cl.id, Username: cl.username, IsInVoice: false,
		}, nil)

	case *protocol.Typing:
		s.hub.Broadcast(cl.roomID, &protocol.UserTyping{
			UserID: cl.id, Username: cl.username, IsTyping: m.IsTyping,
		}, cl)

	// Session descriptions and candidates are forwarded verbatim to the
	// other peers; the relay only stamps the origin.
	case *protocol.Offer:
		m.UserID = cl.id
		s.hub.Broadcast(cl.roomID, m, cl)

	case *protocol.Answer:
		m.UserID = cl.id
		s.hub.Broadcast(cl.roomID, m, cl)

	case *protocol.ICECandidate:
		m.UserID = cl.id
		s.hub.Broadcast(cl.roomID, m, cl)

	default:
		log.Warn().Str("module", "relay").Str("type", string(msg.Kind())).Msg("unexpected frame from peer")
	}
}

func (s *Server) sendRoomInfo(cl *client) {
	room, err := s.store.GetRoom(cl.roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("room lookup for snapshot")
		return
	}
	msgs, err := s.store.RecentMessages(cl.roomID, s.cfg.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("history lookup for snapshot")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	users := s.hub.participants(cl.roomID)
	s.hub.sendTo(cl, &protocol.RoomInfo{
		Room: protocol.RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			ActiveUsers: len(users),
		},
		Users:    users,
		Messages: msgs,
	})
}
