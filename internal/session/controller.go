// Package session orchestrates the voice channel lifecycle: join and leave
// sequencing, transmission arbitration, and cleanup on every exit path.
// The session survives navigation across product screens; it is torn down
// only by explicit user action or process termination.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/audio"
	"github.com/callsheet/voicemesh/internal/config"
	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/mesh"
	"github.com/callsheet/voicemesh/internal/presence"
	"github.com/callsheet/voicemesh/internal/vad"
)

// ErrTransportDown fails a join attempted while the relay link is not
// connected.
var ErrTransportDown = errors.New("transport not connected")

const (
	StateIdle      = "idle"
	StateAcquiring = "acquiring"
	StateJoining   = "joining"
	StateActive    = "active"
	StateLeaving   = "leaving"
	StateError     = "error"
)

// Controller owns the single active voice session. At most one channel is
// active per client; joining a new one implicitly leaves the previous.
type Controller struct {
	transport core.Transport
	mesh      *mesh.Manager
	pipeline  *audio.Pipeline
	arbiter   *Arbiter
	detector  *vad.Detector
	presence  *presence.Client
	source    SourceOpener

	self    domain.User
	peerID  domain.PeerID
	machine *fsm.FSM

	mu          sync.Mutex
	channel     domain.ChannelID
	inflight    domain.ChannelID
	subs        []core.Subscription
	transmitMap map[domain.UserID]bool
}

// SourceOpener acquires the local capture stream for a join attempt.
type SourceOpener = audio.SourceFactory

type Options struct {
	Transport core.Transport
	Presence  *presence.Client
	Self      domain.User
	PeerID    domain.PeerID
	VAD       config.VADConfig
	ICE       config.ICEConfig
	Source    SourceOpener
	Sinks     audio.SinkFactory
}

func NewController(opts Options) *Controller {
	c := &Controller{
		transport: opts.Transport,
		presence:  opts.Presence,
		self:      opts.Self,
		peerID:    opts.PeerID,
		source:    opts.Source,
	}
	c.pipeline = audio.NewPipeline(opts.Sinks)
	c.arbiter = NewArbiter(c.pipeline, opts.VAD.OpenMicInactivity, c.broadcastTransmitting)
	c.detector = vad.New(
		opts.VAD.Threshold,
		opts.VAD.SampleInterval,
		opts.VAD.Debounce,
		c.pipeline.Level,
		c.arbiter.OnVoice,
	)
	c.mesh = mesh.NewManager(opts.ICE.STUNServers, opts.Transport)
	c.mesh.OnRemoteTrack(func(userID domain.UserID, track *webrtc.TrackRemote) {
		c.pipeline.AttachRemote(userID, track)
	})

	c.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "acquire", Src: []string{StateIdle}, Dst: StateAcquiring},
			{Name: "announce", Src: []string{StateAcquiring}, Dst: StateJoining},
			{Name: "activate", Src: []string{StateJoining}, Dst: StateActive},
			{Name: "fail", Src: []string{StateAcquiring, StateJoining}, Dst: StateError},
			{Name: "leave", Src: []string{StateAcquiring, StateJoining, StateActive, StateError}, Dst: StateLeaving},
			{Name: "reset", Src: []string{StateLeaving, StateError}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Info().Str("module", "session").Str("from", e.Src).Str("to", e.Dst).Msg("state")
			},
		},
	)
	return c
}

// Join acquires the microphone, announces presence, and activates the
// session. A second Join for the same channel while one is in flight is
// coalesced into it; joining a different channel first leaves the current
// session.
func (c *Controller) Join(ctx context.Context, channelID domain.ChannelID) error {
	c.mu.Lock()
	if c.inflight == channelID {
		c.mu.Unlock()
		return nil
	}
	if c.channel == channelID && c.machine.Current() == StateActive {
		c.mu.Unlock()
		return nil
	}
	c.inflight = channelID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight = ""
		c.mu.Unlock()
	}()

	switch c.machine.Current() {
	case StateActive, StateError:
		c.Leave(ctx)
	}

	if err := c.machine.Event(ctx, "acquire"); err != nil {
		return fmt.Errorf("join %s: %w", channelID, err)
	}

	if err := c.pipeline.AcquireLocal(ctx, c.source); err != nil {
		_ = c.machine.Event(ctx, "fail")
		return fmt.Errorf("acquire local stream: %w", err)
	}
	c.detector.Start()

	if c.transport.State() != core.TransportConnected {
		c.detector.Stop()
		c.pipeline.ReleaseAll()
		_ = c.machine.Event(ctx, "fail")
		return ErrTransportDown
	}
	if err := c.machine.Event(ctx, "announce"); err != nil {
		return fmt.Errorf("join %s: %w", channelID, err)
	}

	c.mu.Lock()
	c.channel = channelID
	c.transmitMap = make(map[domain.UserID]bool)
	c.mu.Unlock()

	c.subscribe()
	c.mesh.SetLocalTrack(c.pipeline.Track())
	c.transport.JoinChannel(channelID)
	c.transport.Publish(core.EventVoiceJoin, core.VoiceJoin{ChannelID: channelID, PeerID: c.peerID})
	go c.presence.Join(context.Background(), channelID)

	// Apply the current mode's mute semantics to the fresh capture.
	c.arbiter.SetMode(c.arbiter.Mode())

	_ = c.machine.Event(ctx, "activate")
	log.Info().Str("module", "session").Str("channel", string(channelID)).Msg("joined voice channel")
	return nil
}

// Leave tears the session down. Every step is best-effort: failures are
// logged, never short-circuit the rest of the sequence.
func (c *Controller) Leave(ctx context.Context) {
	switch c.machine.Current() {
	case StateIdle, StateLeaving:
		return
	}
	if err := c.machine.Event(ctx, "leave"); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("leave transition")
	}

	c.detector.Stop()
	c.arbiter.Reset()
	c.mesh.RemoveAll()
	c.pipeline.ReleaseAll()
	c.unsubscribe()

	c.mu.Lock()
	ch := c.channel
	c.channel = ""
	c.transmitMap = nil
	c.mu.Unlock()

	if ch != "" {
		c.transport.Publish(core.EventVoiceLeave, core.ChannelRef{ChannelID: ch})
		c.transport.LeaveChannel(ch)
		go c.presence.Leave(context.Background(), ch)
	}

	if err := c.machine.Event(ctx, "reset"); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("reset transition")
	}
	log.Info().Str("module", "session").Str("channel", string(ch)).Msg("left voice channel")
}

// NotifyTermination issues the single best-effort leave notification on
// abrupt process termination so server-side presence does not wait for a
// timeout. No acknowledgment is expected.
func (c *Controller) NotifyTermination() {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == "" {
		return
	}
	c.transport.Publish(core.EventVoiceLeave, core.ChannelRef{ChannelID: ch})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.presence.Leave(ctx, ch)
}

func (c *Controller) subscribe() {
	subs := []core.Subscription{
		c.transport.Subscribe(core.EventVoiceUserJoined, c.onUserJoined),
		c.transport.Subscribe(core.EventVoiceUserLeft, c.onUserLeft),
		c.transport.Subscribe(core.EventVoiceOffer, c.onOffer),
		c.transport.Subscribe(core.EventVoiceAnswer, c.onAnswer),
		c.transport.Subscribe(core.EventVoiceICECandidate, c.onCandidate),
		c.transport.Subscribe(core.EventPTTActive, c.onPTTActive),
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (c *Controller) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (c *Controller) activeChannel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// onUserJoined implements the mesh construction rule: the existing
// participants initiate toward the newcomer, so the announcement direction
// itself breaks the double-offer race.
func (c *Controller) onUserJoined(env core.Envelope) {
	var p core.UserJoined
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad voice_user_joined payload")
		return
	}
	if p.ChannelID != c.activeChannel() || p.UserID == c.self.ID {
		return
	}
	if _, err := c.mesh.EnsurePeer(p.UserID, p.PeerID, p.Username, true); err != nil {
		log.Error().Err(err).Str("module", "session").Str("user", string(p.UserID)).Msg("ensure peer")
	}
}

func (c *Controller) onUserLeft(env core.Envelope) {
	var p core.UserLeft
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad voice_user_left payload")
		return
	}
	if p.ChannelID != c.activeChannel() {
		return
	}
	c.mesh.RemovePeer(p.UserID)
	c.pipeline.DetachRemote(p.UserID)
	c.mu.Lock()
	if c.transmitMap != nil {
		delete(c.transmitMap, p.UserID)
	}
	c.mu.Unlock()
}

func (c *Controller) onOffer(env core.Envelope) {
	var p core.SessionSignal
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad voice_offer payload")
		return
	}
	c.mesh.HandleOffer(p.FromUserID, p.SDP)
}

func (c *Controller) onAnswer(env core.Envelope) {
	var p core.SessionSignal
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad voice_answer payload")
		return
	}
	c.mesh.HandleAnswer(p.FromUserID, p.SDP)
}

func (c *Controller) onCandidate(env core.Envelope) {
	var p core.CandidateSignal
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad voice_ice_candidate payload")
		return
	}
	c.mesh.HandleCandidate(p.FromUserID, p.Candidate)
}

func (c *Controller) onPTTActive(env core.Envelope) {
	var p core.PTTActive
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad ptt_active payload")
		return
	}
	if p.ChannelID != c.activeChannel() {
		return
	}
	c.mu.Lock()
	if c.transmitMap != nil {
		c.transmitMap[p.UserID] = p.IsTransmitting
	}
	c.mu.Unlock()
	c.mesh.SetTransmitting(p.UserID, p.IsTransmitting)
}

func (c *Controller) broadcastTransmitting(transmitting bool) {
	ch := c.activeChannel()
	if ch == "" {
		return
	}
	if transmitting {
		c.transport.Publish(core.EventPTTStart, core.ChannelRef{ChannelID: ch})
	} else {
		c.transport.Publish(core.EventPTTStop, core.ChannelRef{ChannelID: ch})
	}
	go c.presence.SetTransmitting(context.Background(), ch, transmitting)
}

// State reports the lifecycle state.
func (c *Controller) State() string { return c.machine.Current() }

// Channel reports the active channel, empty when idle.
func (c *Controller) Channel() domain.ChannelID { return c.activeChannel() }

// Peers returns read-only snapshots of the mesh.
func (c *Controller) Peers() []core.PeerView { return c.mesh.Snapshot() }

// TransmissionStates returns the derived remote transmission map. Purely
// rebuilt from relay events; authoritative state lives server-side.
func (c *Controller) TransmissionStates() map[domain.UserID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.UserID]bool, len(c.transmitMap))
	for k, v := range c.transmitMap {
		out[k] = v
	}
	return out
}

// SetMode switches between push-to-talk and open-microphone.
func (c *Controller) SetMode(m Mode) { c.arbiter.SetMode(m) }

// StartTransmit / StopTransmit are the PTT key events.
func (c *Controller) StartTransmit() { c.arbiter.StartTransmit() }
func (c *Controller) StopTransmit()  { c.arbiter.StopTransmit() }

// SetDeafened mutes all remote playback without affecting transmission.
func (c *Controller) SetDeafened(deafened bool) { c.pipeline.SetDeafened(deafened) }
