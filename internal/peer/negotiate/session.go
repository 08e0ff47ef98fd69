package negotiate

import "github.com/dkeye/huddle/internal/protocol"

// Session abstracts the underlying media session (a pion PeerConnection
// in production, a fake in tests). The machine owns exactly one Session
// per instance and closes it on teardown.
type Session interface {
	// CreateOffer builds and installs the local session description.
	CreateOffer() (string, error)
	// SetRemoteOffer applies a remote offer description.
	SetRemoteOffer(sdp string) error
	// CreateAnswer builds and installs the local answer. Only valid
	// after SetRemoteOffer.
	CreateAnswer() (string, error)
	// ApplyAnswer applies a remote answer to a locally offered session.
	ApplyAnswer(sdp string) error
	// AddCandidate applies a remote connectivity candidate. Callers must
	// not invoke it before a remote description is applied.
	AddCandidate(c protocol.ICECandidate) error
	// Rollback discards the pending local offer so a remote offer can be
	// applied instead. Used by the polite side of a glare conflict.
	Rollback() error
	// OnCandidate registers a callback for locally gathered candidates.
	OnCandidate(func(protocol.ICECandidate))
	// OnFailed registers a callback for unrecoverable connectivity
	// failure of the established session.
	OnFailed(func())
	// Close releases all session resources.
	Close()
}
