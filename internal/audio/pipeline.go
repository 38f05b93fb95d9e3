// Package audio owns the local capture stream and per-user playback sinks.
// The local stream is captured exactly once per session and shared across
// all peer connections.
package audio

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
)

const frameDuration = 20 * time.Millisecond

// Pipeline feeds the local source to the shared outbound track and renders
// each inbound remote track to a per-user sink.
type Pipeline struct {
	newSink SinkFactory

	mu       sync.Mutex
	source   core.AudioSource
	track    *webrtc.TrackLocalStaticSample
	analyser *Analyser
	enabled  bool
	deafened bool
	sinks    map[domain.UserID]core.AudioSink
	readers  map[domain.UserID]context.CancelFunc
	cancel   context.CancelFunc
}

func NewPipeline(newSink SinkFactory) *Pipeline {
	if newSink == nil {
		newSink = func(domain.UserID) core.AudioSink { return NewBufferSink() }
	}
	return &Pipeline{
		newSink:  newSink,
		analyser: NewAnalyser(),
		sinks:    make(map[domain.UserID]core.AudioSink),
		readers:  make(map[domain.UserID]context.CancelFunc),
	}
}

// AcquireLocal opens the capture session and starts the outbound pump.
// At most one capture session is live at a time; a second acquire while
// one is live is a no-op.
func (p *Pipeline) AcquireLocal(ctx context.Context, open SourceFactory) error {
	p.mu.Lock()
	if p.source != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	src, err := open(ctx)
	if err != nil {
		return err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicemesh",
	)
	if err != nil {
		_ = src.Close()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.source != nil {
		// Lost an acquire race; keep the first capture session.
		p.mu.Unlock()
		cancel()
		_ = src.Close()
		return nil
	}
	p.source = src
	p.track = track
	p.cancel = cancel
	p.analyser.Reset()
	p.mu.Unlock()

	go p.pump(pumpCtx, src, track)
	log.Info().Str("module", "audio").Msg("local stream acquired")
	return nil
}

// pump moves capture frames into the analyser and, while transmission is
// enabled, onto the shared track.
func (p *Pipeline) pump(ctx context.Context, src core.AudioSource, track *webrtc.TrackLocalStaticSample) {
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Error().Err(err).Str("module", "audio").Msg("capture read failed")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.analyser.Feed(frame)
		if !p.LocalEnabled() {
			continue
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			log.Error().Err(err).Str("module", "audio").Msg("track write failed")
		}
	}
}

// Track exposes the shared outbound track for the mesh to attach.
func (p *Pipeline) Track() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return nil
	}
	return p.track
}

// Level reports the smoothed capture amplitude for the activity detector.
func (p *Pipeline) Level() float64 {
	return p.analyser.Level()
}

// SetLocalEnabled toggles whether captured audio is actually transmitted.
// The capture session stays live either way; this is the mute mechanism.
func (p *Pipeline) SetLocalEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *Pipeline) LocalEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// AttachRemote binds an inbound track to the user's playback sink, creating
// the sink lazily and reusing it across renegotiation.
func (p *Pipeline) AttachRemote(userID domain.UserID, track *webrtc.TrackRemote) {
	p.mu.Lock()
	sink, ok := p.sinks[userID]
	if !ok {
		sink = p.newSink(userID)
		sink.SetMuted(p.deafened)
		p.sinks[userID] = sink
	}
	if cancel, ok := p.readers[userID]; ok {
		// Renegotiation replaced the track; stop the old read loop.
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.readers[userID] = cancel
	p.mu.Unlock()

	go p.readRemote(ctx, userID, track, sink)
}

func (p *Pipeline) readRemote(ctx context.Context, userID domain.UserID, track *webrtc.TrackRemote, sink core.AudioSink) {
	var seq seqTracker
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "audio").Str("user", string(userID)).Msg("remote track ended")
			return
		}
		if seq.stale(pkt) {
			continue
		}
		if err := sink.Write(core.Frame(pkt.Payload)); err != nil {
			log.Error().Err(err).Str("module", "audio").Str("user", string(userID)).Msg("sink write failed")
			return
		}
	}
}

// seqTracker drops duplicate and late reordered packets. Playback is lossy;
// a frame that arrives behind the newest one already rendered is useless.
type seqTracker struct {
	started bool
	last    uint16
}

func (s *seqTracker) stale(pkt *rtp.Packet) bool {
	if !s.started {
		s.started = true
		s.last = pkt.SequenceNumber
		return false
	}
	diff := pkt.SequenceNumber - s.last
	if diff == 0 || diff > 1<<15 {
		return true
	}
	s.last = pkt.SequenceNumber
	return false
}

// DetachRemote stops playback for one user and destroys their sink.
func (p *Pipeline) DetachRemote(userID domain.UserID) {
	p.mu.Lock()
	sink, ok := p.sinks[userID]
	delete(p.sinks, userID)
	if cancel, ok := p.readers[userID]; ok {
		cancel()
		delete(p.readers, userID)
	}
	p.mu.Unlock()
	if ok {
		_ = sink.Close()
	}
}

// SetDeafened mutes every remote sink without touching capture or
// transmission.
func (p *Pipeline) SetDeafened(deafened bool) {
	p.mu.Lock()
	p.deafened = deafened
	sinks := make([]core.AudioSink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()
	for _, s := range sinks {
		s.SetMuted(deafened)
	}
}

func (p *Pipeline) Deafened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deafened
}

// ReleaseAll stops the capture session and destroys every sink. Idempotent;
// runs on every session exit path.
func (p *Pipeline) ReleaseAll() {
	p.mu.Lock()
	src := p.source
	cancel := p.cancel
	p.source = nil
	p.track = nil
	p.cancel = nil
	p.enabled = false
	sinks := p.sinks
	readers := p.readers
	p.sinks = make(map[domain.UserID]core.AudioSink)
	p.readers = make(map[domain.UserID]context.CancelFunc)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		if err := src.Close(); err != nil {
			log.Error().Err(err).Str("module", "audio").Msg("capture close failed")
		}
	}
	for _, stop := range readers {
		stop()
	}
	for _, s := range sinks {
		_ = s.Close()
	}
	p.analyser.Reset()
	if src != nil {
		log.Info().Str("module", "audio").Msg("local stream released")
	}
}

// SinkCount reports how many playback sinks are live.
func (p *Pipeline) SinkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sinks)
}
