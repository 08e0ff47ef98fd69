package negotiate

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/protocol"
)

// fakeSession records every call in order so tests can assert sequencing,
// not just end state.
type fakeSession struct {
	calls      []string
	candidates []protocol.ICECandidate

	offerSDP  string
	answerSDP string

	offerErr    error
	remoteErr   error
	answerErr   error
	applyErr    error
	rollbackErr error

	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{offerSDP: "local-offer", answerSDP: "local-answer"}
}

func (f *fakeSession) CreateOffer() (string, error) {
	f.calls = append(f.calls, "create-offer")
	return f.offerSDP, f.offerErr
}

func (f *fakeSession) SetRemoteOffer(sdp string) error {
	f.calls = append(f.calls, "set-remote-offer:"+sdp)
	return f.remoteErr
}

func (f *fakeSession) CreateAnswer() (string, error) {
	f.calls = append(f.calls, "create-answer")
	return f.answerSDP, f.answerErr
}

func (f *fakeSession) ApplyAnswer(sdp string) error {
	f.calls = append(f.calls, "apply-answer:"+sdp)
	return f.applyErr
}

func (f *fakeSession) AddCandidate(c protocol.ICECandidate) error {
	f.calls = append(f.calls, "add-candidate:"+c.Candidate)
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSession) Rollback() error {
	f.calls = append(f.calls, "rollback")
	return f.rollbackErr
}

func (f *fakeSession) OnCandidate(func(protocol.ICECandidate)) {}
func (f *fakeSession) OnFailed(func())                         {}

func (f *fakeSession) Close() {
	f.calls = append(f.calls, "close")
	f.closed = true
}

type machineHarness struct {
	m        *Machine
	sess     *fakeSession
	offers   []string
	answers  []string
	failures []error
}

func newMachine(t *testing.T) *machineHarness {
	t.Helper()
	h := &machineHarness{sess: newFakeSession()}
	h.m = New(zerolog.Nop(), Hooks{
		SendOffer:  func(sdp string) { h.offers = append(h.offers, sdp) },
		SendAnswer: func(sdp string) { h.answers = append(h.answers, sdp) },
		OnFailure:  func(err error) { h.failures = append(h.failures, err) },
	})
	require.NoError(t, h.m.BeginGathering())
	require.NoError(t, h.m.MediaReady(h.sess))
	return h
}

func cand(s string) protocol.ICECandidate {
	return protocol.ICECandidate{Candidate: s}
}

func TestOfferAnswerFlow(t *testing.T) {
	h := newMachine(t)

	require.NoError(t, h.m.StartOffer())
	assert.Equal(t, StateHaveLocalOffer, h.m.State())
	assert.Equal(t, []string{"local-offer"}, h.offers)

	h.m.HandleRemoteAnswer("remote-answer")
	assert.Equal(t, StateStable, h.m.State())
	assert.True(t, h.m.RemoteApplied())
	assert.Empty(t, h.failures)
}

func TestAnswererFlow(t *testing.T) {
	h := newMachine(t)

	h.m.HandleRemoteOffer("remote-offer", false)
	assert.Equal(t, StateStable, h.m.State())
	assert.Equal(t, []string{"local-answer"}, h.answers)
	assert.Equal(t,
		[]string{"set-remote-offer:remote-offer", "create-answer"},
		h.sess.calls)
}

func TestOfferReentrancyGuard(t *testing.T) {
	h := newMachine(t)

	require.NoError(t, h.m.StartOffer())
	err := h.m.StartOffer()
	require.ErrorIs(t, err, ErrOfferPending)

	// exactly one offer left the machine
	assert.Equal(t, []string{"local-offer"}, h.offers)
	assert.Equal(t, StateHaveLocalOffer, h.m.State())
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	h := newMachine(t)

	require.NoError(t, h.m.StartOffer())
	h.m.HandleCandidate(cand("c1"))
	h.m.HandleCandidate(cand("c2"))
	h.m.HandleCandidate(cand("c3"))

	// nothing reaches the session before the answer lands
	assert.Empty(t, h.sess.candidates)
	assert.Equal(t, 3, h.m.Buffered())

	h.m.HandleRemoteAnswer("remote-answer")

	require.Len(t, h.sess.candidates, 3)
	assert.Equal(t, "c1", h.sess.candidates[0].Candidate)
	assert.Equal(t, "c2", h.sess.candidates[1].Candidate)
	assert.Equal(t, "c3", h.sess.candidates[2].Candidate)
	assert.Equal(t, 0, h.m.Buffered())

	// candidates are applied only after the description
	assert.Equal(t,
		[]string{"create-offer", "apply-answer:remote-answer",
			"add-candidate:c1", "add-candidate:c2", "add-candidate:c3"},
		h.sess.calls)
}

func TestCandidateAfterStableAppliesImmediately(t *testing.T) {
	h := newMachine(t)

	h.m.HandleRemoteOffer("remote-offer", false)
	require.Equal(t, StateStable, h.m.State())

	h.m.HandleCandidate(cand("late"))
	require.Len(t, h.sess.candidates, 1)
	assert.Equal(t, 0, h.m.Buffered())
}

func TestCandidatesDrainOnRemoteOffer(t *testing.T) {
	h := newMachine(t)

	h.m.HandleCandidate(cand("early"))
	h.m.HandleRemoteOffer("remote-offer", false)

	// buffered candidate applies after the offer, before the answer is built
	assert.Equal(t,
		[]string{"set-remote-offer:remote-offer", "add-candidate:early", "create-answer"},
		h.sess.calls)
}

func TestGlareBothSides(t *testing.T) {
	// Both peers offered at once. The non-yielding side keeps its offer
	// and discards the incoming one; the yielding side rolls back and
	// answers. Exactly one handshake survives.
	keep := newMachine(t)
	give := newMachine(t)

	require.NoError(t, keep.m.StartOffer())
	require.NoError(t, give.m.StartOffer())

	keep.m.HandleRemoteOffer(give.offers[0], false)
	give.m.HandleRemoteOffer(keep.offers[0], true)

	// non-yielding side is untouched, still waiting for its answer
	assert.Equal(t, StateHaveLocalOffer, keep.m.State())
	assert.Empty(t, keep.answers)

	// yielding side rolled back and produced the answer
	assert.Equal(t, StateStable, give.m.State())
	assert.Contains(t, give.sess.calls, "rollback")
	require.Len(t, give.answers, 1)

	keep.m.HandleRemoteAnswer(give.answers[0])
	assert.Equal(t, StateStable, keep.m.State())
	assert.Empty(t, keep.failures)
	assert.Empty(t, give.failures)
}

func TestStaleAnswerIgnored(t *testing.T) {
	h := newMachine(t)

	h.m.HandleRemoteAnswer("unsolicited")
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.sess.calls)

	require.NoError(t, h.m.StartOffer())
	h.m.HandleRemoteAnswer("real")
	require.Equal(t, StateStable, h.m.State())

	// duplicate after stable is dropped too
	h.m.HandleRemoteAnswer("real-again")
	assert.Equal(t, StateStable, h.m.State())
	assert.Empty(t, h.failures)
}

func TestRemoteOfferErrorFailsMachine(t *testing.T) {
	h := newMachine(t)
	h.sess.remoteErr = errors.New("bad sdp")

	h.m.HandleRemoteOffer("garbage", false)

	assert.Equal(t, StateClosed, h.m.State())
	assert.True(t, h.sess.closed)
	require.Len(t, h.failures, 1)
	assert.ErrorContains(t, h.failures[0], "bad sdp")
}

func TestFailIsTerminal(t *testing.T) {
	h := newMachine(t)

	h.m.Fail(errors.New("ice failed"))
	assert.Equal(t, StateClosed, h.m.State())
	assert.True(t, h.sess.closed)
	require.Len(t, h.failures, 1)

	// closed machines drop everything without re-reporting
	h.m.Fail(errors.New("again"))
	h.m.HandleRemoteOffer("offer", true)
	h.m.HandleRemoteAnswer("answer")
	h.m.HandleCandidate(cand("late"))
	assert.ErrorIs(t, h.m.StartOffer(), ErrBadState)
	assert.Len(t, h.failures, 1)
	assert.Equal(t, StateClosed, h.m.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newMachine(t)

	h.m.Close()
	h.m.Close()
	assert.Equal(t, StateClosed, h.m.State())
	assert.True(t, h.sess.closed)
	assert.Empty(t, h.failures)
}

func TestOfferBeforeMediaReady(t *testing.T) {
	m := New(zerolog.Nop(), Hooks{})
	require.ErrorIs(t, m.StartOffer(), ErrNoSession)

	require.NoError(t, m.BeginGathering())
	assert.Equal(t, StateGatheringMedia, m.State())
	assert.ErrorIs(t, m.BeginGathering(), ErrBadState)
}
