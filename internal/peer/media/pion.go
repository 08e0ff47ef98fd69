// Package media owns the local capture handle and the pion-backed media
// session handed to the negotiation machine.
package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/protocol"
)

// PionSession implements negotiate.Session over a single pion
// PeerConnection carrying one outbound audio track.
type PionSession struct {
	pc *webrtc.PeerConnection
}

func Config(stunServers []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, u := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewPionSession creates the peer connection and attaches the local
// track. onRemoteTrack receives the inbound audio track once the remote
// side starts sending; it may be nil.
func NewPionSession(cfg webrtc.Configuration, track webrtc.TrackLocal, onRemoteTrack func(*webrtc.TrackRemote)) (*PionSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	if track != nil {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	if onRemoteTrack != nil {
		pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			onRemoteTrack(t)
		})
	}
	return &PionSession{pc: pc}, nil
}

func (s *PionSession) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (s *PionSession) SetRemoteOffer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (s *PionSession) CreateAnswer() (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (s *PionSession) ApplyAnswer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (s *PionSession) AddCandidate(c protocol.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	return s.pc.AddICECandidate(init)
}

func (s *PionSession) Rollback() error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
	})
}

func (s *PionSession) OnCandidate(fn func(protocol.ICECandidate)) {
	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		fn(protocol.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (s *PionSession) OnFailed(fn func()) {
	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Debug().Str("module", "peer.media").Str("ice_state", st.String()).Msg("ICE state")
		if st == webrtc.ICEConnectionStateFailed {
			fn()
		}
	})
}

func (s *PionSession) Close() {
	if err := s.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer.media").Msg("peer connection close")
	}
}
