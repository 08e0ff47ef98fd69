// Package peer implements the negotiation and presence core: it wires
// transport events to the presence tracker and the negotiation state
// machine, and owns the teardown/reset/retry policy for the local media
// session.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/peer/media"
	"github.com/dkeye/huddle/internal/peer/negotiate"
	"github.com/dkeye/huddle/internal/peer/presence"
	"github.com/dkeye/huddle/internal/peer/transport"
	"github.com/dkeye/huddle/internal/protocol"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
)

var (
	ErrNotConnected  = errors.New("not connected to a room")
	ErrAlreadyJoined = errors.New("already connected to a room")
	ErrVoiceActive   = errors.New("voice session already active")
	ErrVoiceTornDown = errors.New("voice session torn down while starting")
)

// signalConn is what the controller needs from the transport; tests
// substitute an in-memory pair.
type signalConn interface {
	Events() <-chan transport.Event
	Send(protocol.Message)
	Close()
}

type dialFunc func(ctx context.Context, relayURL string, roomID domain.RoomID, id domain.Identity, opts transport.Options) (signalConn, error)

type sessionFactory func(track webrtc.TrackLocal) (negotiate.Session, error)

// Client is the connection lifecycle controller. All state transitions
// run under one mutex, driven either by the single goroutine draining
// transport events or by explicit user calls, so no two transitions ever
// execute concurrently.
type Client struct {
	cfg      *config.Config
	log      zerolog.Logger
	identity domain.Identity

	dial       dialFunc
	pipeline   media.Pipeline
	newSession sessionFactory

	mu       sync.Mutex
	status   Status
	roomID   domain.RoomID
	room     protocol.RoomSummary
	conn     signalConn
	tracker  *presence.Tracker
	machine  *negotiate.Machine
	capture  media.Capture
	messages []domain.Message
	closing  bool
	runDone  chan struct{}
}

func New(cfg *config.Config, id domain.Identity) *Client {
	c := &Client{
		cfg:      cfg,
		log:      log.With().Str("module", "peer").Str("user", string(id.ID)).Logger(),
		identity: id,
		status:   StatusDisconnected,
		tracker:  presence.NewTracker(),
		pipeline: media.NewTonePipeline(),
	}
	c.dial = func(ctx context.Context, relayURL string, roomID domain.RoomID, id domain.Identity, opts transport.Options) (signalConn, error) {
		return transport.Dial(ctx, relayURL, roomID, id, opts)
	}
	c.newSession = func(track webrtc.TrackLocal) (negotiate.Session, error) {
		return media.NewPionSession(media.Config(cfg.StunServers), track, func(t *webrtc.TrackRemote) {
			c.log.Info().Str("codec", t.Codec().MimeType).Msg("remote audio track arrived")
		})
	}
	return c
}

// Join opens the signaling transport, announces the peer and waits for
// the room snapshot before returning; only then is the room usable.
func (c *Client) Join(ctx context.Context, roomID domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnected {
		return ErrAlreadyJoined
	}

	opts := transport.Options{
		ReadLimit:    c.cfg.ReadLimit,
		WriteTimeout: c.cfg.WriteTimeout,
		SendBuffer:   c.cfg.SendBuffer,
	}
	conn, err := c.dial(ctx, c.cfg.RelayURL, roomID, c.identity, opts)
	if err != nil {
		return err
	}
	conn.Send(&protocol.Join{RoomID: roomID})

	// Consume events inline until the snapshot lands; everything that
	// precedes it still goes through the normal frame handler so receipt
	// order is preserved.
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case ev, ok := <-conn.Events():
			if !ok || ev.Kind == transport.EventClosed {
				if ev.Err != nil {
					return fmt.Errorf("signaling closed before room snapshot: %w", ev.Err)
				}
				return errors.New("signaling closed before room snapshot")
			}
			if ev.Kind == transport.EventErrored {
				c.log.Warn().Err(ev.Err).Msg("malformed frame before snapshot")
				continue
			}
			c.handleFrame(ev.Msg)
			if _, isInfo := ev.Msg.(*protocol.RoomInfo); isInfo {
				c.conn = conn
				c.roomID = roomID
				c.status = StatusConnected
				c.closing = false
				c.runDone = make(chan struct{})
				go c.run(conn, c.runDone)
				c.log.Info().Str("room", string(roomID)).Msg("joined room")
				return nil
			}
		}
	}
}

// run is the sequential event loop: one goroutine draining the
// transport's inbound queue in receipt order.
func (c *Client) run(conn signalConn, done chan struct{}) {
	defer close(done)
	for ev := range conn.Events() {
		c.mu.Lock()
		if c.conn != conn {
			// A newer connection took over; discard stale events.
			c.mu.Unlock()
			continue
		}
		switch ev.Kind {
		case transport.EventFrame:
			c.handleFrame(ev.Msg)
		case transport.EventErrored:
			c.log.Warn().Err(ev.Err).Msg("malformed signaling frame ignored")
		case transport.EventClosed:
			c.onTransportClosed(ev.Err)
		}
		c.mu.Unlock()
	}
}

func (c *Client) handleFrame(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RoomInfo:
		c.room = m.Room
		c.tracker.ApplySnapshot(m.Users)
		c.messages = append(c.messages[:0], m.Messages...)

	case *protocol.UserJoined:
		c.tracker.Add(domain.Participant{ID: m.UserID, Username: m.Username})
		c.log.Info().Str("joined", string(m.UserID)).Int("total", m.TotalUsers).Msg("participant joined")

	case *protocol.UserLeft:
		wasInVoice := false
		if p, ok := c.tracker.Get(m.UserID); ok {
			wasInVoice = p.InVoice
		}
		c.tracker.Remove(m.UserID)
		if wasInVoice {
			c.onPeerLeftVoice()
		}
		c.log.Info().Str("left", string(m.UserID)).Int("total", m.TotalUsers).Msg("participant left")

	case *protocol.VoiceUpdate:
		c.onVoiceUpdate(m)

	case *protocol.UserTyping:
		c.log.Debug().Str("user", string(m.UserID)).Bool("typing", m.IsTyping).Msg("typing update")

	case *protocol.NewMessage:
		c.messages = append(c.messages, m.Message)
		if limit := c.cfg.HistoryLimit; limit > 0 && len(c.messages) > limit {
			c.messages = c.messages[len(c.messages)-limit:]
		}

	case *protocol.Offer:
		if c.machine == nil {
			c.log.Warn().Msg("offer without a voice session, ignored")
			return
		}
		// On glare the side whose id sorts last yields and answers the
		// remote offer; the other keeps its own negotiation.
		yield := m.UserID != "" && c.identity.ID > m.UserID
		c.machine.HandleRemoteOffer(m.SDP, yield)

	case *protocol.Answer:
		if c.machine == nil {
			c.log.Debug().Msg("answer without a voice session, ignored")
			return
		}
		c.machine.HandleRemoteAnswer(m.SDP)

	case *protocol.ICECandidate:
		if c.machine == nil {
			c.log.Debug().Msg("candidate without a voice session, ignored")
			return
		}
		c.machine.HandleCandidate(*m)

	default:
		c.log.Warn().Str("type", string(msg.Kind())).Msg("unhandled frame kind")
	}
}

// onVoiceUpdate applies the presence change, then runs the initiator
// rule: when voice occupancy moves from one to exactly two and the local
// peer is the one that was already in the session, it offers. The peer
// that caused the transition never does, which avoids glare by
// construction.
func (c *Client) onVoiceUpdate(m *protocol.VoiceUpdate) {
	prev := c.tracker.VoiceCount()
	c.tracker.SetVoice(m.UserID, m.IsInVoice)
	now := c.tracker.VoiceCount()

	if m.UserID == c.identity.ID {
		return
	}
	if !m.IsInVoice {
		c.onPeerLeftVoice()
		return
	}
	local, ok := c.tracker.Get(c.identity.ID)
	if !ok || !local.InVoice {
		return
	}
	if prev != 1 || now != 2 {
		return
	}
	if c.machine == nil {
		return
	}
	c.log.Info().Str("peer", string(m.UserID)).Msg("second voice participant, initiating offer")
	if err := c.machine.StartOffer(); err != nil {
		c.log.Error().Err(err).Msg("start offer")
	}
}

// JoinVoice acquires local media, creates a fresh negotiation machine
// and announces the local in-voice flag. Whether an offer goes out is
// decided later by the initiator rule. A media acquisition failure is
// returned to the caller and leaves negotiation state untouched.
func (c *Client) JoinVoice(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.machine != nil {
		c.mu.Unlock()
		return ErrVoiceActive
	}

	machine := c.newMachineLocked()
	_ = machine.BeginGathering()
	c.machine = machine
	c.mu.Unlock()

	// Device acquisition may suspend; do it outside the state lock and
	// check afterwards that this machine instance is still current.
	capture, err := c.pipeline.StartCapture(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine != machine {
		// Torn down while acquiring: discard the completion.
		if err == nil {
			capture.Close()
		}
		return ErrVoiceTornDown
	}
	if err != nil {
		c.machine = nil
		machine.Close()
		return fmt.Errorf("%w: %v", media.ErrMediaUnavailable, err)
	}

	sess, err := c.newSession(capture.Track())
	if err != nil {
		capture.Close()
		c.machine = nil
		machine.Close()
		return fmt.Errorf("%w: %v", media.ErrMediaUnavailable, err)
	}
	c.bindSessionLocked(machine, sess)

	if err := machine.MediaReady(sess); err != nil {
		capture.Close()
		c.machine = nil
		machine.Close()
		return err
	}
	c.capture = capture
	c.tracker.SetVoice(c.identity.ID, true)
	c.conn.Send(&protocol.JoinVoice{})
	c.log.Info().Msg("joined voice session")
	return nil
}

// newMachineLocked builds a negotiation machine wired to the current
// connection. Caller holds c.mu.
func (c *Client) newMachineLocked() *negotiate.Machine {
	return negotiate.New(c.log, negotiate.Hooks{
		SendOffer: func(sdp string) {
			if c.conn != nil {
				c.conn.Send(&protocol.Offer{SDP: sdp, UserID: c.identity.ID})
			}
		},
		SendAnswer: func(sdp string) {
			if c.conn != nil {
				c.conn.Send(&protocol.Answer{SDP: sdp, UserID: c.identity.ID})
			}
		},
		OnFailure: func(err error) {
			// Negotiation errors recover via reset; the room stays up.
			c.resetLocked()
		},
	})
}

// bindSessionLocked wires session callbacks to the controller. Both
// callbacks re-check the machine instance: completions belonging to a
// torn-down machine are discarded. Caller holds c.mu.
func (c *Client) bindSessionLocked(machine *negotiate.Machine, sess negotiate.Session) {
	sess.OnCandidate(func(cand protocol.ICECandidate) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.machine != machine || c.conn == nil {
			return
		}
		cand.UserID = c.identity.ID
		c.conn.Send(&cand)
	})
	sess.OnFailed(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.machine != machine {
			return
		}
		machine.Fail(errors.New("connectivity layer failed"))
	})
}

// onPeerLeftVoice discards the session to a departed voice peer and arms
// a fresh machine on the same capture, so the next arrival negotiates
// from scratch. The local peer stays in the voice session.
func (c *Client) onPeerLeftVoice() {
	if c.machine == nil || c.capture == nil {
		return
	}
	switch c.machine.State() {
	case negotiate.StateIdle, negotiate.StateGatheringMedia:
		return
	}
	c.machine.Close()

	machine := c.newMachineLocked()
	_ = machine.BeginGathering()
	c.machine = machine
	sess, err := c.newSession(c.capture.Track())
	if err != nil {
		c.machine = nil
		machine.Close()
		c.log.Error().Err(err).Msg("rebuild media session")
		return
	}
	c.bindSessionLocked(machine, sess)
	_ = machine.MediaReady(sess)
	c.log.Info().Msg("voice peer departed, negotiation re-armed")
}

// LeaveVoice releases local media, destroys the negotiation machine even
// mid-negotiation and announces the departure. Idempotent.
func (c *Client) LeaveVoice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil && c.capture == nil {
		return
	}
	c.teardownVoiceLocked()
	c.tracker.SetVoice(c.identity.ID, false)
	if c.conn != nil {
		c.conn.Send(&protocol.LeaveVoice{})
	}
	c.log.Info().Msg("left voice session")
}

// Reset unconditionally tears down the negotiation machine, media
// session and candidate buffer without leaving the room. A fresh
// JoinVoice is required to try again.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Client) resetLocked() {
	if c.machine == nil && c.capture == nil {
		return
	}
	c.teardownVoiceLocked()
	c.tracker.SetVoice(c.identity.ID, false)
	if c.conn != nil {
		// Drop remote-side occupancy so a rejoin re-arms the initiator
		// rule on the other peer.
		c.conn.Send(&protocol.LeaveVoice{})
	}
	c.log.Info().Msg("voice session reset")
}

func (c *Client) teardownVoiceLocked() {
	if c.machine != nil {
		c.machine.Close()
		c.machine = nil
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
}

func (c *Client) onTransportClosed(err error) {
	if c.closing {
		return
	}
	c.log.Warn().Err(err).Msg("signaling transport lost")
	c.teardownVoiceLocked()
	c.tracker.SetVoice(c.identity.ID, false)
	c.conn = nil
	c.status = StatusDisconnected
}

// Disconnect leaves voice, closes the transport and clears the local
// room view. Safe from any state, including before a connection was
// ever established.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	if c.machine != nil || c.capture != nil {
		c.teardownVoiceLocked()
		if c.conn != nil {
			c.conn.Send(&protocol.LeaveVoice{})
		}
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.tracker.Clear()
	c.messages = nil
	c.room = protocol.RoomSummary{}
	c.status = StatusDisconnected
	c.log.Info().Msg("disconnected")
}

// Typing forwards a best-effort typing indicator.
func (c *Client) Typing(isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.Send(&protocol.Typing{IsTyping: isTyping})
}

// SetMuted toggles the outbound track without touching negotiation.
func (c *Client) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != nil {
		c.capture.SetMuted(muted)
	}
}

// Status reports the room connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// NegotiationState reports the current machine state, or idle when no
// voice session exists.
func (c *Client) NegotiationState() negotiate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return negotiate.StateIdle
	}
	return c.machine.State()
}

// Participants returns a read-only snapshot of room presence.
func (c *Client) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Snapshot()
}

// Messages returns a copy of the local chat history view.
func (c *Client) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Room returns the last room summary received from the relay.
func (c *Client) Room() protocol.RoomSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Levels exposes the local capture meter stream, or nil outside voice.
func (c *Client) Levels() <-chan int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil
	}
	return c.capture.Levels()
}
