// Package protocol defines the JSON signaling frames exchanged between
// peers and the relay. One object per frame, discriminated by "type".
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

type Kind string

const (
	// peer -> relay
	KindJoin       Kind = "join"
	KindJoinVoice  Kind = "join_voice"
	KindLeaveVoice Kind = "leave_voice"
	KindTyping     Kind = "typing"

	// relay -> peer
	KindRoomInfo    Kind = "room_info"
	KindUserJoined  Kind = "user_joined"
	KindUserLeft    Kind = "user_left"
	KindVoiceUpdate Kind = "user_voice_update"
	KindUserTyping  Kind = "user_typing"
	KindNewMessage  Kind = "new_message"

	// both directions, relayed verbatim between peers
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
)

var ErrUnknownType = fmt.Errorf("unknown frame type")

// Message is a tagged variant over all signaling frame kinds.
type Message interface {
	Kind() Kind
}

type Join struct {
	RoomID domain.RoomID `json:"room_id"`
}

type JoinVoice struct{}

type LeaveVoice struct{}

type Typing struct {
	IsTyping bool `json:"is_typing"`
}

// RoomSummary is room meta plus the live connection count.
type RoomSummary struct {
	ID          domain.RoomID `json:"id"`
	Name        string        `json:"name"`
	ActiveUsers int           `json:"active_users"`
}

// RoomInfo is the snapshot sent to a peer right after it joins: full
// participant list plus recent message history.
type RoomInfo struct {
	Room     RoomSummary          `json:"data"`
	Users    []domain.Participant `json:"users"`
	Messages []domain.Message     `json:"messages"`
}

type UserJoined struct {
	RoomID     domain.RoomID `json:"room_id"`
	UserID     domain.UserID `json:"user_id"`
	Username   string        `json:"username"`
	TotalUsers int           `json:"total_users"`
}

type UserLeft struct {
	RoomID     domain.RoomID `json:"room_id"`
	UserID     domain.UserID `json:"user_id"`
	Username   string        `json:"username"`
	TotalUsers int           `json:"total_users"`
}

type VoiceUpdate struct {
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	IsInVoice bool          `json:"is_in_voice"`
}

type UserTyping struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	IsTyping bool          `json:"is_typing"`
}

type NewMessage struct {
	Message domain.Message `json:"message"`
}

// Offer and Answer carry the session description as an opaque blob.
// UserID is stamped by the relay so the receiver can log the origin.
type Offer struct {
	SDP    string        `json:"sdp"`
	UserID domain.UserID `json:"user_id,omitempty"`
}

type Answer struct {
	SDP    string        `json:"sdp"`
	UserID domain.UserID `json:"user_id,omitempty"`
}

// ICECandidate is an opaque connectivity-candidate blob. Mid and
// MLineIndex are pointers so absent and zero stay distinguishable.
type ICECandidate struct {
	Candidate     string        `json:"candidate"`
	SDPMid        *string       `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16       `json:"sdpMLineIndex,omitempty"`
	UserID        domain.UserID `json:"user_id,omitempty"`
}

func (Join) Kind() Kind         { return KindJoin }
func (JoinVoice) Kind() Kind    { return KindJoinVoice }
func (LeaveVoice) Kind() Kind   { return KindLeaveVoice }
func (Typing) Kind() Kind       { return KindTyping }
func (RoomInfo) Kind() Kind     { return KindRoomInfo }
func (UserJoined) Kind() Kind   { return KindUserJoined }
func (UserLeft) Kind() Kind     { return KindUserLeft }
func (VoiceUpdate) Kind() Kind  { return KindVoiceUpdate }
func (UserTyping) Kind() Kind   { return KindUserTyping }
func (NewMessage) Kind() Kind   { return KindNewMessage }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (ICECandidate) Kind() Kind { return KindCandidate }

// Encode marshals a frame and splices in the "type" discriminator.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	obj["type"], _ = json.Marshal(m.Kind())
	return json.Marshal(obj)
}

// Decode sniffs the discriminator and unmarshals the matching variant.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}

	var m Message
	switch env.Type {
	case KindJoin:
		m = &Join{}
	case KindJoinVoice:
		m = &JoinVoice{}
	case KindLeaveVoice:
		m = &LeaveVoice{}
	case KindTyping:
		m = &Typing{}
	case KindRoomInfo:
		m = &RoomInfo{}
	case KindUserJoined:
		m = &UserJoined{}
	case KindUserLeft:
		m = &UserLeft{}
	case KindVoiceUpdate:
		m = &VoiceUpdate{}
	case KindUserTyping:
		m = &UserTyping{}
	case KindNewMessage:
		m = &NewMessage{}
	case KindOffer:
		m = &Offer{}
	case KindAnswer:
		m = &Answer{}
	case KindCandidate:
		m = &ICECandidate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("bad %s frame: %w", env.Type, err)
	}
	return m, nil
}
