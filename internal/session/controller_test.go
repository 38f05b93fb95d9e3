package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsheet/voicemesh/internal/audio"
	"github.com/callsheet/voicemesh/internal/config"
	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/presence"
)

// scriptedTransport implements core.Transport in-process: published frames
// are recorded and inbound frames are injected with emit.
type scriptedTransport struct {
	mu        sync.Mutex
	state     core.TransportState
	published []core.Envelope
	joined    []domain.ChannelID
	left      []domain.ChannelID
	handlers  map[core.EventType]map[int]core.Handler
	nextSub   int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		state:    core.TransportConnected,
		handlers: make(map[core.EventType]map[int]core.Handler),
	}
}

func (s *scriptedTransport) Connect()    {}
func (s *scriptedTransport) Disconnect() {}

func (s *scriptedTransport) State() core.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *scriptedTransport) LastError() error { return nil }

func (s *scriptedTransport) setState(st core.TransportState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *scriptedTransport) Publish(event core.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.published = append(s.published, core.Envelope{Event: event, Payload: raw})
	s.mu.Unlock()
}

func (s *scriptedTransport) Subscribe(event core.EventType, h core.Handler) core.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.handlers[event]
	if !ok {
		set = make(map[int]core.Handler)
		s.handlers[event] = set
	}
	s.nextSub++
	id := s.nextSub
	set[id] = h
	return &scriptedSub{t: s, event: event, id: id}
}

type scriptedSub struct {
	t     *scriptedTransport
	event core.EventType
	id    int
}

func (s *scriptedSub) Unsubscribe() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if set, ok := s.t.handlers[s.event]; ok {
		delete(set, s.id)
	}
}

func (s *scriptedTransport) JoinChannel(id domain.ChannelID) {
	s.mu.Lock()
	s.joined = append(s.joined, id)
	s.mu.Unlock()
}

func (s *scriptedTransport) LeaveChannel(id domain.ChannelID) {
	s.mu.Lock()
	s.left = append(s.left, id)
	s.mu.Unlock()
}

// emit delivers an inbound event to current subscribers, as the relay would.
func (s *scriptedTransport) emit(t *testing.T, event core.EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	hs := make([]core.Handler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(core.Envelope{Event: event, Payload: raw})
	}
}

func (s *scriptedTransport) byEvent(event core.EventType) []core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Envelope
	for _, e := range s.published {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (s *scriptedTransport) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.handlers {
		n += len(set)
	}
	return n
}

// blockingSource parks in ReadFrame until released by close.
type blockingSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *blockingSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *blockingSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sourceCounter struct {
	mu      sync.Mutex
	opens   int
	sources []*blockingSource
	err     error
}

func (c *sourceCounter) open(context.Context) (core.AudioSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.err != nil {
		return nil, c.err
	}
	src := &blockingSource{}
	c.sources = append(c.sources, src)
	return src, nil
}

func (c *sourceCounter) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

type presenceRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *presenceRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
}

func (r *presenceRecorder) hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.paths {
		if p == path {
			n++
		}
	}
	return n
}

type controllerFixture struct {
	ctrl     *Controller
	trans    *scriptedTransport
	sources  *sourceCounter
	presence *presenceRecorder
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	rec := &presenceRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	trans := newScriptedTransport()
	counter := &sourceCounter{}
	ctrl := NewController(Options{
		Transport: trans,
		Presence:  presence.NewClient(config.PresenceConfig{BaseURL: srv.URL, Timeout: time.Second}, "token"),
		Self:      domain.User{ID: "self", Username: "self"},
		PeerID:    "peer-self",
		VAD: config.VADConfig{
			Threshold:         15,
			SampleInterval:    50 * time.Millisecond,
			Debounce:          200 * time.Millisecond,
			OpenMicInactivity: time.Hour,
		},
		Source: counter.open,
	})
	t.Cleanup(func() { ctrl.Leave(context.Background()) })
	return &controllerFixture{ctrl: ctrl, trans: trans, sources: counter, presence: rec}
}

func TestJoinActivatesSession(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	assert.Equal(t, StateActive, f.ctrl.State())
	assert.Equal(t, domain.ChannelID("ops"), f.ctrl.Channel())
	assert.Equal(t, []domain.ChannelID{"ops"}, f.trans.joined)

	joins := f.trans.byEvent(core.EventVoiceJoin)
	require.Len(t, joins, 1)
	var vj core.VoiceJoin
	require.NoError(t, json.Unmarshal(joins[0].Payload, &vj))
	assert.Equal(t, domain.ChannelID("ops"), vj.ChannelID)
	assert.Equal(t, domain.PeerID("peer-self"), vj.PeerID)

	assert.Eventually(t, func() bool {
		return f.presence.hits("/voice/channels/ops/join") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentJoinsCoalesce(t *testing.T) {
	f := newControllerFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ctrl.Join(context.Background(), "ops")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.ctrl.State() == StateActive }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.sources.openCount())
	assert.Len(t, f.trans.byEvent(core.EventVoiceJoin), 1)
}

func TestJoinActiveChannelIsNoop(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	assert.Equal(t, 1, f.sources.openCount())
	assert.Len(t, f.trans.byEvent(core.EventVoiceJoin), 1)
}

func TestJoinNewChannelLeavesOld(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))
	require.NoError(t, f.ctrl.Join(context.Background(), "writers"))

	assert.Equal(t, StateActive, f.ctrl.State())
	assert.Equal(t, domain.ChannelID("writers"), f.ctrl.Channel())
	assert.Equal(t, []domain.ChannelID{"ops"}, f.trans.left)

	leaves := f.trans.byEvent(core.EventVoiceLeave)
	require.Len(t, leaves, 1)
	var ref core.ChannelRef
	require.NoError(t, json.Unmarshal(leaves[0].Payload, &ref))
	assert.Equal(t, domain.ChannelID("ops"), ref.ChannelID)
}

func TestJoinFailsWhileTransportDown(t *testing.T) {
	f := newControllerFixture(t)
	f.trans.setState(core.TransportReconnecting)

	err := f.ctrl.Join(context.Background(), "ops")

	assert.ErrorIs(t, err, ErrTransportDown)
	assert.Equal(t, StateError, f.ctrl.State())
	// The half-acquired capture must not leak.
	require.Len(t, f.sources.sources, 1)
	assert.Eventually(t, f.sources.sources[0].isClosed, time.Second, time.Millisecond)
	assert.Empty(t, f.trans.byEvent(core.EventVoiceJoin))
}

func TestJoinFailsOnPermissionDenied(t *testing.T) {
	f := newControllerFixture(t)
	f.sources.err = &audio.PermissionError{Cause: audio.ErrNoDevice}

	err := f.ctrl.Join(context.Background(), "ops")

	var perm *audio.PermissionError
	assert.ErrorAs(t, err, &perm)
	assert.Equal(t, StateError, f.ctrl.State())

	// Recovery: the error state yields to a later successful join.
	f.sources.err = nil
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))
	assert.Equal(t, StateActive, f.ctrl.State())
}

func TestLeaveReleasesEverything(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))
	require.NotZero(t, f.trans.subscriberCount())

	f.ctrl.Leave(context.Background())

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Empty(t, f.ctrl.Channel())
	assert.Zero(t, f.trans.subscriberCount())
	assert.Equal(t, []domain.ChannelID{"ops"}, f.trans.left)
	require.Len(t, f.sources.sources, 1)
	assert.Eventually(t, f.sources.sources[0].isClosed, time.Second, time.Millisecond)
	assert.Len(t, f.trans.byEvent(core.EventVoiceLeave), 1)
	assert.Eventually(t, func() bool {
		return f.presence.hits("/voice/channels/ops/leave") == 1
	}, time.Second, 5*time.Millisecond)

	// Leave is idempotent.
	f.ctrl.Leave(context.Background())
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Len(t, f.trans.byEvent(core.EventVoiceLeave), 1)
}

func TestAnnouncementBuildsInitiatorPeer(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	f.trans.emit(t, core.EventVoiceUserJoined, core.UserJoined{
		ChannelID: "ops", UserID: "u2", Username: "grace", PeerID: "p2",
	})

	require.Len(t, f.ctrl.Peers(), 1)
	// Existing participants initiate toward the newcomer.
	assert.Len(t, f.trans.byEvent(core.EventVoiceOffer), 1)
}

func TestOwnAnnouncementIgnored(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	f.trans.emit(t, core.EventVoiceUserJoined, core.UserJoined{
		ChannelID: "ops", UserID: "self", Username: "self", PeerID: "peer-self",
	})
	f.trans.emit(t, core.EventVoiceUserJoined, core.UserJoined{
		ChannelID: "writers", UserID: "u2", Username: "grace", PeerID: "p2",
	})

	assert.Empty(t, f.ctrl.Peers())
}

func TestUserLeftShrinksMesh(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	f.trans.emit(t, core.EventVoiceUserJoined, core.UserJoined{
		ChannelID: "ops", UserID: "u2", Username: "grace", PeerID: "p2",
	})
	require.Len(t, f.ctrl.Peers(), 1)

	f.trans.emit(t, core.EventVoiceUserLeft, core.UserLeft{ChannelID: "ops", UserID: "u2"})

	assert.Empty(t, f.ctrl.Peers())
}

func TestPTTActiveTracked(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	f.trans.emit(t, core.EventPTTActive, core.PTTActive{ChannelID: "ops", UserID: "u2", IsTransmitting: true})
	assert.Equal(t, map[domain.UserID]bool{"u2": true}, f.ctrl.TransmissionStates())

	f.trans.emit(t, core.EventPTTActive, core.PTTActive{ChannelID: "ops", UserID: "u2", IsTransmitting: false})
	assert.Equal(t, map[domain.UserID]bool{"u2": false}, f.ctrl.TransmissionStates())

	// Flags for other channels never land in the map.
	f.trans.emit(t, core.EventPTTActive, core.PTTActive{ChannelID: "writers", UserID: "u3", IsTransmitting: true})
	_, ok := f.ctrl.TransmissionStates()["u3"]
	assert.False(t, ok)

	// Departures clear the entry.
	f.trans.emit(t, core.EventVoiceUserLeft, core.UserLeft{ChannelID: "ops", UserID: "u2"})
	assert.Empty(t, f.ctrl.TransmissionStates())
}

func TestTransmitBroadcastsOverTransportAndPresence(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))

	f.ctrl.StartTransmit()
	f.ctrl.StopTransmit()

	assert.Len(t, f.trans.byEvent(core.EventPTTStart), 1)
	assert.Len(t, f.trans.byEvent(core.EventPTTStop), 1)
	assert.Eventually(t, func() bool {
		return f.presence.hits("/voice/channels/ops/ptt") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestNotifyTermination(t *testing.T) {
	f := newControllerFixture(t)

	// No-op while idle.
	f.ctrl.NotifyTermination()
	assert.Empty(t, f.trans.byEvent(core.EventVoiceLeave))

	require.NoError(t, f.ctrl.Join(context.Background(), "ops"))
	f.ctrl.NotifyTermination()

	assert.Len(t, f.trans.byEvent(core.EventVoiceLeave), 1)
	assert.Equal(t, 1, f.presence.hits("/voice/channels/ops/leave"))
}

func TestJoinErrorStatesAreDistinct(t *testing.T) {
	f := newControllerFixture(t)
	f.sources.err = errors.New("device wedged")

	err := f.ctrl.Join(context.Background(), "ops")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransportDown)
	assert.Equal(t, StateError, f.ctrl.State())
}
