package negotiate

import "github.com/dkeye/huddle/internal/protocol"

// CandidateBuffer holds connectivity candidates that arrive before the
// remote session description they belong to. Once a remote description
// is accepted the buffer is drained in arrival order and stays
// pass-through: later candidates apply immediately.
type CandidateBuffer struct {
	ready   bool
	pending []protocol.ICECandidate
	apply   func(protocol.ICECandidate) error
}

func NewCandidateBuffer(apply func(protocol.ICECandidate) error) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Offer applies the candidate immediately if a remote description has
// been accepted, otherwise appends it for a later Drain.
func (b *CandidateBuffer) Offer(c protocol.ICECandidate) error {
	if b.ready {
		return b.apply(c)
	}
	b.pending = append(b.pending, c)
	return nil
}

// Drain marks the buffer applicable and applies all buffered candidates
// in FIFO order, clearing the buffer. Each candidate is delivered
// exactly once; an apply failure stops the drain and reports the error.
func (b *CandidateBuffer) Drain() error {
	b.ready = true
	pending := b.pending
	b.pending = nil
	for _, c := range pending {
		if err := b.apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *CandidateBuffer) Len() int { return len(b.pending) }
