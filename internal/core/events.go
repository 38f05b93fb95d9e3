package core

import (
	"encoding/json"
	"fmt"

	"github.com/callsheet/voicemesh/internal/domain"
)

// EventType is the closed set of events exchanged with the signaling relay.
// Routing and payload shape are checked once at the transport boundary, not
// at each call site.
type EventType string

const (
	EventJoinChannel       EventType = "join_channel"
	EventLeaveChannel      EventType = "leave_channel"
	EventVoiceJoin         EventType = "voice_join"
	EventVoiceLeave        EventType = "voice_leave"
	EventVoiceUserJoined   EventType = "voice_user_joined"
	EventVoiceUserLeft     EventType = "voice_user_left"
	EventVoiceOffer        EventType = "voice_offer"
	EventVoiceAnswer       EventType = "voice_answer"
	EventVoiceICECandidate EventType = "voice_ice_candidate"
	EventPTTStart          EventType = "ptt_start"
	EventPTTStop           EventType = "ptt_stop"
	EventPTTActive         EventType = "ptt_active"
)

var knownEvents = map[EventType]struct{}{
	EventJoinChannel:       {},
	EventLeaveChannel:      {},
	EventVoiceJoin:         {},
	EventVoiceLeave:        {},
	EventVoiceUserJoined:   {},
	EventVoiceUserLeft:     {},
	EventVoiceOffer:        {},
	EventVoiceAnswer:       {},
	EventVoiceICECandidate: {},
	EventPTTStart:          {},
	EventPTTStop:           {},
	EventPTTActive:         {},
}

// Known reports whether e belongs to the closed event set.
func (e EventType) Known() bool {
	_, ok := knownEvents[e]
	return ok
}

// Envelope is the wire framing for every relay event.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses and validates a raw frame at the transport boundary.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	if !env.Event.Known() {
		return Envelope{}, fmt.Errorf("unknown event %q", env.Event)
	}
	return env, nil
}

// EncodeEnvelope marshals an event and its payload into a wire frame.
func EncodeEnvelope(event EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ChannelRef names a channel with no other payload (join/leave, voice_leave,
// ptt_start, ptt_stop).
type ChannelRef struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

// VoiceJoin announces the local peer to a channel.
type VoiceJoin struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	PeerID    domain.PeerID    `json:"peer_id"`
}

// UserJoined is the relay's announcement of a new participant.
type UserJoined struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
	Username  string           `json:"username"`
	PeerID    domain.PeerID    `json:"peer_id"`
}

// UserLeft is the relay's announcement of a departed participant.
type UserLeft struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
}

// SessionSignal carries an SDP offer or answer between two users. The relay
// routes on ToUserID and stamps FromUserID on delivery.
type SessionSignal struct {
	ToUserID   domain.UserID `json:"to_user_id,omitempty"`
	FromUserID domain.UserID `json:"from_user_id,omitempty"`
	SDP        string        `json:"sdp"`
}

// Candidate mirrors an ICE candidate without pulling webrtc types into core.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// CandidateSignal carries a trickled ICE candidate between two users.
type CandidateSignal struct {
	ToUserID   domain.UserID `json:"to_user_id,omitempty"`
	FromUserID domain.UserID `json:"from_user_id,omitempty"`
	Candidate  Candidate     `json:"candidate"`
}

// PTTActive is the relay's fan-out of a participant's transmission flag.
type PTTActive struct {
	ChannelID      domain.ChannelID `json:"channel_id"`
	UserID         domain.UserID    `json:"user_id"`
	IsTransmitting bool             `json:"is_transmitting"`
}
