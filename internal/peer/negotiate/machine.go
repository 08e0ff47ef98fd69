// Package negotiate owns the session-description exchange protocol and
// the lifecycle of the local media session object.
package negotiate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/protocol"
)

// State enumerates the negotiation phases. A machine only ever moves
// forward; Closed is terminal and a fresh machine is required to
// negotiate again.
type State int

const (
	StateIdle State = iota
	StateGatheringMedia
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGatheringMedia:
		return "gathering-media"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrOfferPending = errors.New("local offer already outstanding")
	ErrBadState     = errors.New("operation not valid in current state")
	ErrNoSession    = errors.New("no media session bound")
	ErrClosed       = errors.New("negotiation closed")
)

// Hooks are the machine's only way to reach the outside world. SendOffer
// and SendAnswer emit outbound frames through the transport; OnFailure
// reports a negotiation error so the controller can run its reset policy.
type Hooks struct {
	SendOffer  func(sdp string)
	SendAnswer func(sdp string)
	OnFailure  func(err error)
}

// Machine is the negotiation state machine. Exactly one exists per local
// media session; it is destroyed, never reused, on any teardown. The
// lifecycle controller serializes all calls, so there is no lock here.
type Machine struct {
	log    zerolog.Logger
	hooks  Hooks
	state  State
	sess   Session
	buffer *CandidateBuffer

	remoteApplied bool
}

func New(log zerolog.Logger, hooks Hooks) *Machine {
	m := &Machine{
		log:   log.With().Str("module", "peer.negotiate").Logger(),
		hooks: hooks,
		state: StateIdle,
	}
	m.buffer = NewCandidateBuffer(func(c protocol.ICECandidate) error {
		if m.sess == nil {
			return ErrNoSession
		}
		return m.sess.AddCandidate(c)
	})
	return m
}

func (m *Machine) State() State { return m.state }

// RemoteApplied reports whether a remote description has been accepted.
func (m *Machine) RemoteApplied() bool { return m.remoteApplied }

// Buffered reports how many candidates are waiting for a remote description.
func (m *Machine) Buffered() int { return m.buffer.Len() }

// BeginGathering marks capture-device acquisition in flight.
func (m *Machine) BeginGathering() error {
	if m.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrBadState, m.state)
	}
	m.state = StateGatheringMedia
	return nil
}

// MediaReady binds the acquired media session and returns the machine to
// idle, ready to offer or to answer.
func (m *Machine) MediaReady(sess Session) error {
	if m.state != StateGatheringMedia {
		return fmt.Errorf("%w: %s", ErrBadState, m.state)
	}
	m.sess = sess
	m.state = StateIdle
	return nil
}

// StartOffer creates and sends the local session description. Only the
// initiator calls this, and only from idle: a second call while an offer
// is outstanding is refused, which is the re-entrancy guard.
func (m *Machine) StartOffer() error {
	switch m.state {
	case StateHaveLocalOffer:
		return ErrOfferPending
	case StateIdle:
	default:
		return fmt.Errorf("%w: %s", ErrBadState, m.state)
	}
	if m.sess == nil {
		return ErrNoSession
	}

	sdp, err := m.sess.CreateOffer()
	if err != nil {
		m.fail(fmt.Errorf("create offer: %w", err))
		return err
	}
	m.state = StateHaveLocalOffer
	m.log.Debug().Msg("local offer sent")
	m.hooks.SendOffer(sdp)
	return nil
}

// HandleRemoteOffer processes an incoming offer. In idle or stable it
// accepts: applies the description, drains buffered candidates in FIFO
// order, then constructs and sends the answer. While a local offer is
// outstanding this is glare; yield selects the losing side. A
// non-yielding machine discards the incoming offer and keeps its own
// negotiation running; a yielding one rolls its offer back and answers.
func (m *Machine) HandleRemoteOffer(sdp string, yield bool) {
	switch m.state {
	case StateIdle, StateStable:
	case StateHaveLocalOffer:
		if !yield {
			m.log.Warn().Msg("glare: discarding remote offer, local offer stands")
			return
		}
		m.log.Warn().Msg("glare: rolling back local offer, answering remote")
		if err := m.sess.Rollback(); err != nil {
			m.fail(fmt.Errorf("glare rollback: %w", err))
			return
		}
	default:
		m.log.Warn().Stringer("state", m.state).Msg("remote offer ignored")
		return
	}
	if m.sess == nil {
		m.log.Warn().Msg("remote offer before media session, ignored")
		return
	}

	m.state = StateHaveRemoteOffer
	if err := m.sess.SetRemoteOffer(sdp); err != nil {
		m.fail(fmt.Errorf("apply remote offer: %w", err))
		return
	}
	m.remoteApplied = true
	if err := m.buffer.Drain(); err != nil {
		m.fail(fmt.Errorf("apply buffered candidate: %w", err))
		return
	}

	answer, err := m.sess.CreateAnswer()
	if err != nil {
		m.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	m.state = StateStable
	m.log.Debug().Msg("remote offer answered, negotiation stable")
	m.hooks.SendAnswer(answer)
}

// HandleRemoteAnswer applies an answer to an outstanding local offer and
// drains buffered candidates. In any other state the answer is stale or
// duplicate and is ignored.
func (m *Machine) HandleRemoteAnswer(sdp string) {
	if m.state != StateHaveLocalOffer {
		m.log.Debug().Stringer("state", m.state).Msg("stale answer ignored")
		return
	}
	if err := m.sess.ApplyAnswer(sdp); err != nil {
		m.fail(fmt.Errorf("apply answer: %w", err))
		return
	}
	m.remoteApplied = true
	if err := m.buffer.Drain(); err != nil {
		m.fail(fmt.Errorf("apply buffered candidate: %w", err))
		return
	}
	m.state = StateStable
	m.log.Debug().Msg("answer applied, negotiation stable")
}

// HandleCandidate buffers or applies a remote connectivity candidate. No
// candidate is ever applied before its remote description.
func (m *Machine) HandleCandidate(c protocol.ICECandidate) {
	if m.state == StateClosed {
		return
	}
	if err := m.buffer.Offer(c); err != nil {
		m.fail(fmt.Errorf("apply candidate: %w", err))
	}
}

// Fail drives the machine to closed and reports the error. Used for
// negotiation errors and for connectivity-layer failure signals.
func (m *Machine) Fail(err error) {
	if m.state == StateClosed {
		return
	}
	m.fail(err)
}

func (m *Machine) fail(err error) {
	m.log.Error().Err(err).Stringer("state", m.state).Msg("negotiation failed")
	m.close()
	if m.hooks.OnFailure != nil {
		m.hooks.OnFailure(err)
	}
}

// Close releases session resources and parks the machine in its terminal
// state. Safe to call repeatedly.
func (m *Machine) Close() {
	if m.state == StateClosed {
		return
	}
	m.close()
}

func (m *Machine) close() {
	m.state = StateClosed
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
	m.buffer = NewCandidateBuffer(func(protocol.ICECandidate) error { return ErrClosed })
}
