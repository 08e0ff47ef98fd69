package domain

import "time"

const MaxMessageLen = 2000

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// Message is one entry of a room's append-only chat log. The server
// assigns ID and Timestamp when the message is stored.
type Message struct {
	ID        string      `json:"id"`
	RoomID    RoomID      `json:"room_id"`
	UserID    UserID      `json:"user_id"`
	Username  string      `json:"username"`
	Body      string      `json:"message"`
	Kind      MessageKind `json:"message_type"`
	FileURL   string      `json:"file_url,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
