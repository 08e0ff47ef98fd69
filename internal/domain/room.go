package domain

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

const RoomIDLen = 6

var ErrBadRoomID = errors.New("room id must be 1-6 alphanumeric characters")

// RoomID is a short alphanumeric code users share out of band.
// Stored and compared in upper case; ids are case-insensitive on the wire.
type RoomID string

type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

const roomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRoomID generates a random six character room code.
func NewRoomID() RoomID {
	b := make([]byte, RoomIDLen)
	for i := range b {
		b[i] = roomAlphabet[rand.Intn(len(roomAlphabet))]
	}
	return RoomID(b)
}

// ParseRoomID canonicalizes a user-supplied room code.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 0 || len(s) > RoomIDLen {
		return "", ErrBadRoomID
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", ErrBadRoomID
		}
	}
	return RoomID(s), nil
}
