// Package mesh maintains one outbound media connection per remote
// participant in the active voice channel.
package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/metrics"
)

// Manager is the single owner of the peer map. Every mutation happens
// here; other components only see copy-on-read snapshots.
type Manager struct {
	rtcConfig webrtc.Configuration
	transport core.Transport

	mu         sync.RWMutex
	peers      map[domain.UserID]*Peer
	localTrack webrtc.TrackLocal
	onTrack    func(domain.UserID, *webrtc.TrackRemote)
}

// NewManager builds a mesh manager over the injected transport handle.
// The STUN list is fixed at construction; no TURN relay is configured.
func NewManager(stunServers []string, t core.Transport) *Manager {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Manager{
		rtcConfig: cfg,
		transport: t,
		peers:     make(map[domain.UserID]*Peer),
	}
}

// SetLocalTrack fixes the shared local track attached to every new peer.
// The track is captured once per session; connections only reference it.
func (m *Manager) SetLocalTrack(t webrtc.TrackLocal) {
	m.mu.Lock()
	m.localTrack = t
	m.mu.Unlock()
}

// OnRemoteTrack registers the audio pipeline callback for inbound streams.
func (m *Manager) OnRemoteTrack(fn func(domain.UserID, *webrtc.TrackRemote)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// EnsurePeer returns the existing peer for the user or constructs one,
// attaching the local track and wiring lifecycle callbacks. When the local
// side initiates, the offer is published immediately.
func (m *Manager) EnsurePeer(userID domain.UserID, peerID domain.PeerID, username string, initiator bool) (*Peer, error) {
	m.mu.Lock()
	if p, ok := m.peers[userID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	local := m.localTrack
	onTrack := m.onTrack
	m.mu.Unlock()

	p, err := newPeer(m.rtcConfig, userID, peerID, username, initiator, local)
	if err != nil {
		return nil, err
	}
	p.onICE = func(c core.Candidate) {
		m.transport.Publish(core.EventVoiceICECandidate, core.CandidateSignal{ToUserID: userID, Candidate: c})
	}
	p.onClosed = func() {
		m.RemovePeer(userID)
	}
	if onTrack != nil {
		p.onTrack = func(track *webrtc.TrackRemote) {
			onTrack(userID, track)
		}
	}

	m.mu.Lock()
	if existing, ok := m.peers[userID]; ok {
		// Lost the race to another announcement for the same user.
		m.mu.Unlock()
		p.Close()
		return existing, nil
	}
	m.peers[userID] = p
	count := len(m.peers)
	m.mu.Unlock()
	metrics.ActivePeers.Set(float64(count))
	log.Info().Str("module", "mesh").Str("user", string(userID)).Bool("initiator", initiator).Msg("peer created")

	if initiator {
		offer, err := p.CreateOffer()
		if err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("user", string(userID)).Msg("create offer")
			return p, nil
		}
		m.transport.Publish(core.EventVoiceOffer, core.SessionSignal{ToUserID: userID, SDP: offer})
	}
	return p, nil
}

// RemovePeer closes the user's connection and drops it from the mesh.
func (m *Manager) RemovePeer(userID domain.UserID) {
	m.mu.Lock()
	p, ok := m.peers[userID]
	if ok {
		delete(m.peers, userID)
	}
	count := len(m.peers)
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActivePeers.Set(float64(count))
	p.Close()
	log.Info().Str("module", "mesh").Str("user", string(userID)).Msg("peer removed")
}

// RemoveAll tears down every peer. Iterates a snapshot so close callbacks
// re-entering RemovePeer cannot mutate the map mid-iteration.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	snapshot := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		snapshot = append(snapshot, p)
	}
	m.peers = make(map[domain.UserID]*Peer)
	m.mu.Unlock()
	metrics.ActivePeers.Set(0)

	for _, p := range snapshot {
		p.Close()
	}
}

// HandleOffer answers an inbound offer, creating the peer as non-initiator
// when the user is unseen.
func (m *Manager) HandleOffer(from domain.UserID, sdp string) {
	p, err := m.EnsurePeer(from, "", "", false)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("user", string(from)).Msg("offer: peer create")
		return
	}
	answer, err := p.HandleOffer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("user", string(from)).Msg("offer: negotiate")
		return
	}
	m.transport.Publish(core.EventVoiceAnswer, core.SessionSignal{ToUserID: from, SDP: answer})
}

// HandleAnswer applies an inbound answer. Answers for unknown peers are a
// benign race between leave and in-flight signaling; dropped.
func (m *Manager) HandleAnswer(from domain.UserID, sdp string) {
	p, ok := m.peer(from)
	if !ok {
		log.Debug().Str("module", "mesh").Str("user", string(from)).Msg("answer for unknown peer, dropped")
		return
	}
	if err := p.HandleAnswer(sdp); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("user", string(from)).Msg("answer: negotiate")
	}
}

// HandleCandidate applies an inbound ICE candidate, dropped for unknown peers.
func (m *Manager) HandleCandidate(from domain.UserID, c core.Candidate) {
	p, ok := m.peer(from)
	if !ok {
		log.Debug().Str("module", "mesh").Str("user", string(from)).Msg("candidate for unknown peer, dropped")
		return
	}
	if err := p.AddCandidate(c); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("user", string(from)).Msg("add candidate")
	}
}

// SetTransmitting records a relay-announced transmission flag on the peer.
func (m *Manager) SetTransmitting(userID domain.UserID, v bool) {
	if p, ok := m.peer(userID); ok {
		p.SetTransmitting(v)
	}
}

func (m *Manager) peer(userID domain.UserID) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[userID]
	return p, ok
}

// Count reports the mesh size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Snapshot returns read-only views of every peer.
func (m *Manager) Snapshot() []core.PeerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.PeerView, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.View())
	}
	return out
}
