package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
)

// Peer owns the media connection to one remote participant. Created by the
// Manager when an announcement or inbound signaling message references a
// previously-unseen user; destroyed on leave, close, or session teardown.
type Peer struct {
	userID    domain.UserID
	peerID    domain.PeerID
	username  string
	initiator bool

	pc *webrtc.PeerConnection

	mu           sync.Mutex
	closed       bool
	transmitting bool
	// Candidates that trickled in before the remote description; applied
	// once it lands.
	pending []webrtc.ICECandidateInit

	onICE    func(core.Candidate)
	onTrack  func(*webrtc.TrackRemote)
	onClosed func()
}

func newPeer(cfg webrtc.Configuration, userID domain.UserID, peerID domain.PeerID, username string, initiator bool, local webrtc.TrackLocal) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		userID:    userID,
		peerID:    peerID,
		username:  username,
		initiator: initiator,
		pc:        pc,
	}
	if local != nil {
		if _, err := pc.AddTrack(local); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		out := core.Candidate{Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			out.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			out.SDPMLineIndex = *ci.SDPMLineIndex
		}
		if p.onICE != nil {
			p.onICE(out)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "mesh").Str("user", string(userID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "mesh").Str("user", string(userID)).Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			// Transient ICE failures can self-recover through
			// renegotiation; only an explicit close removes the peer.
			log.Warn().Str("module", "mesh").Str("user", string(userID)).Msg("peer connection failed, keeping peer")
		case webrtc.PeerConnectionStateClosed:
			if p.onClosed != nil {
				p.onClosed()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "mesh").
			Str("user", string(userID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if p.onTrack != nil {
			p.onTrack(track)
		}
	})

	return p, nil
}

// CreateOffer produces the local offer SDP. Candidates trickle separately.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and produces the answer SDP.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	p.drainPending()
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// HandleAnswer applies the remote answer to a locally-initiated offer.
func (p *Peer) HandleAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return err
	}
	p.drainPending()
	return nil
}

// AddCandidate applies a trickled remote candidate, buffering it when the
// remote description has not arrived yet.
func (p *Peer) AddCandidate(c core.Candidate) error {
	ci := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		ci.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	ci.SDPMLineIndex = &idx

	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, ci)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(ci)
}

func (p *Peer) drainPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ci := range pending {
		if err := p.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("user", string(p.userID)).Msg("apply buffered candidate")
		}
	}
}

// Close releases the connection. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("user", string(p.userID)).Msg("close error")
	} else {
		log.Info().Str("module", "mesh").Str("user", string(p.userID)).Msg("peer closed")
	}
}

func (p *Peer) SetTransmitting(v bool) {
	p.mu.Lock()
	p.transmitting = v
	p.mu.Unlock()
}

// View returns a read-only snapshot of the peer.
func (p *Peer) View() core.PeerView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.PeerView{
		UserID:         p.userID,
		Username:       p.username,
		PeerID:         p.peerID,
		IsTransmitting: p.transmitting,
	}
}
