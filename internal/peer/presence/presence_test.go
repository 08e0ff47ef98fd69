package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
)

func TestAddIsIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.Add(domain.Participant{ID: "u1", Username: "alice"})
	tr.Add(domain.Participant{ID: "u1", Username: "alice"})

	assert.Equal(t, 1, tr.Count())
	p, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Username)
}

func TestRemoveRestoresPriorSet(t *testing.T) {
	tr := NewTracker()
	tr.Add(domain.Participant{ID: "u1", Username: "alice"})
	before := tr.Snapshot()

	tr.Add(domain.Participant{ID: "u2", Username: "bob"})
	tr.Remove("u2")

	assert.Equal(t, before, tr.Snapshot())
}

func TestSetVoiceCounts(t *testing.T) {
	tr := NewTracker()
	tr.Add(domain.Participant{ID: "u1", Username: "alice"})
	tr.Add(domain.Participant{ID: "u2", Username: "bob"})

	assert.Equal(t, 0, tr.VoiceCount())

	tr.SetVoice("u1", true)
	assert.Equal(t, 1, tr.VoiceCount())

	tr.SetVoice("u2", true)
	assert.Equal(t, 2, tr.VoiceCount())

	tr.SetVoice("u1", false)
	assert.Equal(t, 1, tr.VoiceCount())

	// unknown ids never materialize participants
	tr.SetVoice("ghost", true)
	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, 1, tr.VoiceCount())
}

func TestApplySnapshotReplaces(t *testing.T) {
	tr := NewTracker()
	tr.Add(domain.Participant{ID: "stale", Username: "old"})

	tr.ApplySnapshot([]domain.Participant{
		{ID: "u2", Username: "bob", InVoice: true},
		{ID: "u1", Username: "alice"},
	})

	_, ok := tr.Get("stale")
	assert.False(t, ok)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.UserID("u1"), snap[0].ID)
	assert.Equal(t, domain.UserID("u2"), snap[1].ID)
	assert.True(t, snap[1].InVoice)
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Add(domain.Participant{ID: "u1"})
	tr.Clear()
	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, tr.Snapshot())
}
