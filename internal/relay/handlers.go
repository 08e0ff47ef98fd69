package relay

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/relay/store"
)

// roomView is the REST shape of a room: stored meta plus live presence.
type roomView struct {
	domain.Room
	ActiveUsers int                  `json:"active_users"`
	Users       []domain.Participant `json:"users"`
}

func (s *Server) view(room domain.Room) roomView {
	users := s.hub.participants(room.ID)
	if users == nil {
		users = []domain.Participant{}
	}
	return roomView{Room: room, ActiveUsers: len(users), Users: users}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Huddle relay"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "badger"})
}

type createRoomRequest struct {
	Name string `json:"name" binding:"required,max=64"`
	// Code optionally pins the room id instead of generating one.
	Code string `json:"code" binding:"omitempty,roomcode"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	id := domain.NewRoomID()
	if req.Code != "" {
		id, _ = domain.ParseRoomID(req.Code)
	}
	room := domain.Room{
		ID:        id,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRoom(room); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, s.view(room))
}

func (s *Server) handleListRooms(c *gin.Context) {
	rooms, err := s.store.ListRooms()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, s.view(room))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) roomParam(c *gin.Context) (domain.Room, bool) {
	id, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return domain.Room{}, false
	}
	room, err := s.store.GetRoom(id)
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return domain.Room{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return domain.Room{}, false
	}
	return room, true
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.view(room))
}

func (s *Server) handleGetMessages(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	msgs, err := s.store.RecentMessages(room.ID, s.cfg.HistoryLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postMessageRequest struct {
	UserID      string `json:"user_id" binding:"required,max=36"`
	Username    string `json:"username" binding:"required,max=36"`
	Message     string `json:"message" binding:"required,max=2000"`
	MessageType string `json:"message_type" binding:"omitempty,oneof=text image"`
}

// handlePostMessage stores a chat message and fans it out to everyone in
// the room, the sender included.
func (s *Server) handlePostMessage(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := domain.MessageKind(req.MessageType)
	if kind == "" {
		kind = domain.MessageText
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		UserID:    domain.UserID(req.UserID),
		Username:  req.Username,
		Body:      req.Message,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(msg); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("append message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	s.hub.Broadcast(room.ID, &protocol.NewMessage{Message: msg}, nil)
	c.JSON(http.StatusOK, msg)
}

// handleUpload stores an attachment on disk and records it as an image
// message with a retrievable URL.
func (s *Server) handleUpload(c *gin.Context) {
	room, ok := s.roomParam(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	userID := c.PostForm("user_id")
	username := c.PostForm("username")
	if userID == "" || username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id or username"})
		return
	}

	name := uuid.NewString() + filepath.Ext(file.Filename)
	dst := filepath.Join(s.cfg.UploadPath, name)
	if err := c.SaveUploadedFile(file, dst); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failure"})
		return
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		UserID:    domain.UserID(userID),
		Username:  username,
		Body:      file.Filename,
		Kind:      domain.MessageImage,
		FileURL:   "/uploads/" + name,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(msg); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("append upload message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	s.hub.Broadcast(room.ID, &protocol.NewMessage{Message: msg}, nil)
	c.JSON(http.StatusOK, msg)
}
