// Package presence maintains the local peer's authoritative view of who
// is in the room and who is in the voice session, fed by relay events.
package presence

import (
	"sort"

	"github.com/dkeye/huddle/internal/domain"
)

// Tracker is a plain in-memory set keyed by user id. All operations are
// synchronous mutations with no I/O; the lifecycle controller serializes
// access, so Tracker itself carries no lock.
type Tracker struct {
	byID map[domain.UserID]domain.Participant
}

func NewTracker() *Tracker {
	return &Tracker{byID: make(map[domain.UserID]domain.Participant)}
}

// ApplySnapshot replaces the full participant set. Used on room_info.
func (t *Tracker) ApplySnapshot(participants []domain.Participant) {
	t.byID = make(map[domain.UserID]domain.Participant, len(participants))
	for _, p := range participants {
		t.byID[p.ID] = p
	}
}

// Add inserts a participant. Idempotent: a second add with the same id
// is a no-op, so after Add exactly one entry with that id exists.
func (t *Tracker) Add(p domain.Participant) {
	if _, ok := t.byID[p.ID]; ok {
		return
	}
	t.byID[p.ID] = p
}

func (t *Tracker) Remove(id domain.UserID) {
	delete(t.byID, id)
}

// SetVoice updates the "in voice session" flag. Unknown ids are ignored;
// the flag is only ever derived from presence events.
func (t *Tracker) SetVoice(id domain.UserID, inVoice bool) {
	p, ok := t.byID[id]
	if !ok {
		return
	}
	p.InVoice = inVoice
	t.byID[id] = p
}

func (t *Tracker) Get(id domain.UserID) (domain.Participant, bool) {
	p, ok := t.byID[id]
	return p, ok
}

func (t *Tracker) Count() int {
	return len(t.byID)
}

// VoiceCount reports the current voice-session occupancy.
func (t *Tracker) VoiceCount() int {
	n := 0
	for _, p := range t.byID {
		if p.InVoice {
			n++
		}
	}
	return n
}

// Snapshot returns a stable-ordered copy for read-only consumers.
func (t *Tracker) Snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops all participants. Used on disconnect.
func (t *Tracker) Clear() {
	t.byID = make(map[domain.UserID]domain.Participant)
}
