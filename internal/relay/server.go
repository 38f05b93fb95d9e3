// Package relay is the development signaling relay: it routes voice events
// between the participants of a channel so the client core can be run and
// integration tested without the production backend.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	registry  *registry
	limiter   *joinRateLimiter
	buffer    int
	readLimit int64
}

func NewServer(readLimit int64) *Server {
	return &Server{
		registry:  newRegistry(),
		limiter:   newJoinRateLimiter(10, time.Minute),
		buffer:    32,
		readLimit: readLimit,
	}
}

// HandleSignal upgrades one client connection and runs its pumps.
func (s *Server) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := SessionID(c.GetString("client_token"))
	log.Info().Str("module", "relay").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if s.readLimit > 0 {
		ws.SetReadLimit(s.readLimit)
	}

	conn := newWSConn(ws, s.buffer)
	user := s.registry.getOrCreateUser(sid)
	if name := c.Query("username"); name != "" {
		if err := user.SetUsername(name); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("username rejected")
		}
	}
	s.registry.bind(sid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		s.writePump(ctx, conn)
		cancel()
	}()
	go func() {
		s.readPump(ctx, sid, conn)
		cancel()
	}()
}

// handleFrame decodes one inbound envelope and routes it. Unknown events
// are rejected at this boundary.
func (s *Server) handleFrame(sid SessionID, c *wsConn, data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("bad frame")
		return
	}

	switch env.Event {
	case core.EventJoinChannel:
		s.handleJoinChannel(sid, env.Payload)
	case core.EventLeaveChannel:
		s.handleLeaveChannel(sid, env.Payload)
	case core.EventVoiceJoin:
		s.handleVoiceJoin(sid, c, env.Payload)
	case core.EventVoiceLeave:
		s.handleVoiceLeave(sid)
	case core.EventVoiceOffer:
		s.routeSignal(sid, core.EventVoiceOffer, env.Payload)
	case core.EventVoiceAnswer:
		s.routeSignal(sid, core.EventVoiceAnswer, env.Payload)
	case core.EventVoiceICECandidate:
		s.routeCandidate(sid, env.Payload)
	case core.EventPTTStart:
		s.handlePTT(sid, env.Payload, true)
	case core.EventPTTStop:
		s.handlePTT(sid, env.Payload, false)
	default:
		log.Warn().Str("module", "relay").Str("event", string(env.Event)).Msg("unroutable event")
	}
}

func (s *Server) handleJoinChannel(sid SessionID, payload json.RawMessage) {
	var p core.ChannelRef
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad join_channel payload")
		return
	}
	s.registry.joinChannel(sid, p.ChannelID)
}

func (s *Server) handleLeaveChannel(sid SessionID, payload json.RawMessage) {
	var p core.ChannelRef
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad leave_channel payload")
		return
	}
	s.registry.leaveChannel(sid, p.ChannelID)
}

// handleVoiceJoin announces the session to every other member of the
// channel. The announcement direction tells existing participants to
// initiate toward the newcomer.
func (s *Server) handleVoiceJoin(sid SessionID, c *wsConn, payload json.RawMessage) {
	var p core.VoiceJoin
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad voice_join payload")
		return
	}
	user := s.registry.getOrCreateUser(sid)
	if !s.limiter.Allow(user.ID) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("voice_join rate limited")
		return
	}
	if prev := s.registry.setVoice(sid, p.ChannelID, p.PeerID); prev != "" && prev != p.ChannelID {
		s.broadcastLeft(sid, prev, user.ID)
	}

	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("channel", string(p.ChannelID)).Msg("voice join")
	announce := core.UserJoined{
		ChannelID: p.ChannelID,
		UserID:    user.ID,
		Username:  user.Username,
		PeerID:    p.PeerID,
	}
	for _, m := range s.registry.membersOf(p.ChannelID) {
		if m.sid == sid {
			continue
		}
		s.sendEvent(m.conn, core.EventVoiceUserJoined, announce)
	}
}

func (s *Server) handleVoiceLeave(sid SessionID) {
	user := s.registry.getOrCreateUser(sid)
	if prev := s.registry.clearVoice(sid); prev != "" {
		s.broadcastLeft(sid, prev, user.ID)
	}
}

func (s *Server) broadcastLeft(sid SessionID, ch domain.ChannelID, userID domain.UserID) {
	left := core.UserLeft{ChannelID: ch, UserID: userID}
	for _, m := range s.registry.membersOf(ch) {
		if m.sid == sid {
			continue
		}
		s.sendEvent(m.conn, core.EventVoiceUserLeft, left)
	}
}

// routeSignal forwards an offer or answer to its target user, restamped
// with the sender identity. Targets without a live connection are dropped.
func (s *Server) routeSignal(sid SessionID, event core.EventType, payload json.RawMessage) {
	var p core.SessionSignal
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", string(event)).Msg("bad signal payload")
		return
	}
	from := s.registry.getOrCreateUser(sid)
	conn, ok := s.registry.connOf(p.ToUserID)
	if !ok {
		log.Debug().Str("module", "relay").Str("to", string(p.ToUserID)).Msg("signal target offline, dropped")
		return
	}
	s.sendEvent(conn, event, core.SessionSignal{FromUserID: from.ID, SDP: p.SDP})
}

func (s *Server) routeCandidate(sid SessionID, payload json.RawMessage) {
	var p core.CandidateSignal
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad candidate payload")
		return
	}
	from := s.registry.getOrCreateUser(sid)
	conn, ok := s.registry.connOf(p.ToUserID)
	if !ok {
		log.Debug().Str("module", "relay").Str("to", string(p.ToUserID)).Msg("candidate target offline, dropped")
		return
	}
	s.sendEvent(conn, core.EventVoiceICECandidate, core.CandidateSignal{FromUserID: from.ID, Candidate: p.Candidate})
}

func (s *Server) handlePTT(sid SessionID, payload json.RawMessage, transmitting bool) {
	var p core.ChannelRef
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad ptt payload")
		return
	}
	user := s.registry.getOrCreateUser(sid)
	s.registry.setTransmitting(sid, transmitting)
	flag := core.PTTActive{ChannelID: p.ChannelID, UserID: user.ID, IsTransmitting: transmitting}
	for _, m := range s.registry.membersOf(p.ChannelID) {
		if m.sid == sid {
			continue
		}
		s.sendEvent(m.conn, core.EventPTTActive, flag)
	}
}

type participantView struct {
	UserID         domain.UserID `json:"user_id"`
	Username       string        `json:"username"`
	PeerID         domain.PeerID `json:"peer_id"`
	IsTransmitting bool          `json:"is_transmitting"`
}

// HandleParticipants serves the current voice roster of a channel for
// participant-list polling.
func (s *Server) HandleParticipants(c *gin.Context) {
	ch := domain.ChannelID(c.Param("channel"))
	parts := s.registry.participantsIn(ch)
	out := make([]participantView, 0, len(parts))
	for _, p := range parts {
		v := participantView{PeerID: p.PeerID, IsTransmitting: p.IsTransmitting}
		if p.User != nil {
			v.UserID = p.User.ID
			v.Username = p.User.Username
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": ch, "participants": out})
}

// dropSession runs on connection loss: presence is withdrawn so other
// participants do not wait for a timeout.
func (s *Server) dropSession(sid SessionID) {
	user := s.registry.getOrCreateUser(sid)
	if prev := s.registry.clearVoice(sid); prev != "" {
		s.broadcastLeft(sid, prev, user.ID)
	}
	s.registry.unbind(sid)
}
