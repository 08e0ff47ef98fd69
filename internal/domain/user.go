// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// Identity is what a peer presents when connecting: a stable user id
// plus a display name. The id survives reconnects; the name may change.
type Identity struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(username string) (Identity, error) {
	if len(username) == 0 {
		return Identity{}, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return Identity{}, ErrUsernameTooLong
	}
	return Identity{ID: UserID(uuid.NewString()), Username: username}, nil
}

// Participant is a user as seen inside a room: identity plus the
// "currently in the voice session" flag. The flag is derived solely
// from presence events, never from negotiation state.
type Participant struct {
	ID       UserID `json:"user_id"`
	Username string `json:"username"`
	InVoice  bool   `json:"is_in_voice"`
}
