package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/domain"
)

// SessionID identifies one authenticated client connection.
type SessionID string

type sessionEntry struct {
	user    *domain.User
	conn    *wsConn
	joined  map[domain.ChannelID]struct{}
	voiceIn domain.ChannelID
	part    *domain.Participant
}

// registry owns the session map; all mutation happens here.
type registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*sessionEntry
	users    map[SessionID]*domain.User
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[SessionID]*sessionEntry),
		users:    make(map[SessionID]*domain.User),
	}
}

func (r *registry) getOrCreateUser(sid SessionID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := &domain.User{ID: domain.UserID(sid), Username: "guest"}
	r.users[sid] = u
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("created new user")
	return u
}

func (r *registry) bind(sid SessionID, conn *wsConn) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &sessionEntry{
		user:   r.users[sid],
		conn:   conn,
		joined: make(map[domain.ChannelID]struct{}),
	}
	r.sessions[sid] = e
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("bound session")
	return e
}

func (r *registry) unbind(sid SessionID) (*sessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	return e, ok
}

func (r *registry) joinChannel(sid SessionID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.joined[ch] = struct{}{}
	}
}

func (r *registry) leaveChannel(sid SessionID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		delete(e.joined, ch)
	}
}

// setVoice records the announced voice presence; returns the previous
// channel if the session moved.
func (r *registry) setVoice(sid SessionID, ch domain.ChannelID, peerID domain.PeerID) domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ""
	}
	prev := e.voiceIn
	e.voiceIn = ch
	e.part = domain.NewParticipant(e.user, peerID)
	return prev
}

func (r *registry) clearVoice(sid SessionID) domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ""
	}
	prev := e.voiceIn
	e.voiceIn = ""
	e.part = nil
	return prev
}

// setTransmitting mirrors the fan-out flag onto the session's participant
// record so later joiners can read current state.
func (r *registry) setTransmitting(sid SessionID, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok && e.part != nil {
		e.part.IsTransmitting = v
	}
}

// participantsIn snapshots the voice participants of a channel.
func (r *registry) participantsIn(ch domain.ChannelID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.voiceIn == ch && e.part != nil {
			out = append(out, *e.part)
		}
	}
	return out
}

type memberSnap struct {
	sid  SessionID
	user *domain.User
	conn *wsConn
}

// membersOf snapshots every session subscribed to a channel.
func (r *registry) membersOf(ch domain.ChannelID) []memberSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]memberSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if _, ok := e.joined[ch]; ok {
			out = append(out, memberSnap{sid: sid, user: e.user, conn: e.conn})
		}
	}
	return out
}

// connOf finds the live connection for a user.
func (r *registry) connOf(userID domain.UserID) (*wsConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if e.user != nil && e.user.ID == userID {
			return e.conn, true
		}
	}
	return nil, false
}
