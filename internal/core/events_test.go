package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeRejectsUnknownEvent(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event":"voice_rename","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice_rename")
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event":`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsMissingEvent(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	frame, err := EncodeEnvelope(EventVoiceOffer, SessionSignal{ToUserID: "u2", SDP: "v=0"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventVoiceOffer, env.Event)

	var sig SessionSignal
	require.NoError(t, json.Unmarshal(env.Payload, &sig))
	assert.Equal(t, SessionSignal{ToUserID: "u2", SDP: "v=0"}, sig)
}

func TestKnownCoversWireEvents(t *testing.T) {
	for _, e := range []EventType{
		EventJoinChannel, EventLeaveChannel,
		EventVoiceJoin, EventVoiceLeave,
		EventVoiceUserJoined, EventVoiceUserLeft,
		EventVoiceOffer, EventVoiceAnswer, EventVoiceICECandidate,
		EventPTTStart, EventPTTStop, EventPTTActive,
	} {
		assert.True(t, e.Known(), "event %s", e)
	}
	assert.False(t, EventType("").Known())
	assert.False(t, EventType("voice_join ").Known())
}

func TestCandidateOmitsEmptyMid(t *testing.T) {
	raw, err := json.Marshal(Candidate{Candidate: "candidate:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(raw))
}
