package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/audio"
	"github.com/callsheet/voicemesh/internal/metrics"
)

// Mode is the transmission mode of the local session.
type Mode string

const (
	// ModePushToTalk mutes capture by default; transmission follows the
	// held PTT control.
	ModePushToTalk Mode = "ptt"
	// ModeOpenMic unmutes capture; transmission follows the voice
	// activity detector.
	ModeOpenMic Mode = "open_mic"
)

// Arbiter reconciles push-to-talk and open-microphone semantics into a
// single "is transmitting" boolean broadcast to the mesh and persisted
// best-effort.
type Arbiter struct {
	pipeline        *audio.Pipeline
	broadcast       func(transmitting bool)
	inactivityAfter time.Duration

	mu           sync.Mutex
	mode         Mode
	transmitting bool
	pttHeld      bool
	inactivity   *time.Timer
}

func NewArbiter(pipeline *audio.Pipeline, inactivityAfter time.Duration, broadcast func(bool)) *Arbiter {
	if broadcast == nil {
		broadcast = func(bool) {}
	}
	return &Arbiter{
		pipeline:        pipeline,
		broadcast:       broadcast,
		inactivityAfter: inactivityAfter,
		mode:            ModePushToTalk,
	}
}

// SetMode switches transmission modes. Idempotent: switching to the same
// mode re-applies the expected mute state. Switching to PTT mutes unless
// the PTT control is currently held; switching to open-mic unmutes. Mode
// switches never leave or rejoin the channel.
func (a *Arbiter) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	var enabled bool
	changed := false
	switch m {
	case ModePushToTalk:
		a.stopInactivityLocked()
		enabled = a.pttHeld
		if a.transmitting != a.pttHeld {
			a.transmitting = a.pttHeld
			changed = true
		}
	case ModeOpenMic:
		enabled = true
		// Transmission is driven by the detector from here on. Until it
		// reports speech the inactivity safeguard is live, so a user who
		// opens the mic and never talks still falls back to push-to-talk.
		a.stopInactivityLocked()
		if !a.transmitting {
			a.armInactivityLocked()
		}
	}
	transmitting := a.transmitting
	a.mu.Unlock()

	a.pipeline.SetLocalEnabled(enabled)
	log.Info().Str("module", "session").Str("mode", string(m)).Bool("enabled", enabled).Msg("transmission mode set")
	if changed {
		a.emit(transmitting)
	}
}

// StartTransmit is the PTT key-down. Outside PTT mode the hold is tracked
// so a later switch to PTT does not mute under a held key.
func (a *Arbiter) StartTransmit() {
	a.mu.Lock()
	a.pttHeld = true
	if a.mode != ModePushToTalk {
		a.mu.Unlock()
		return
	}
	changed := !a.transmitting
	a.transmitting = true
	a.mu.Unlock()

	a.pipeline.SetLocalEnabled(true)
	if changed {
		a.emit(true)
	}
}

// StopTransmit is the PTT key-up.
func (a *Arbiter) StopTransmit() {
	a.mu.Lock()
	a.pttHeld = false
	if a.mode != ModePushToTalk {
		a.mu.Unlock()
		return
	}
	changed := a.transmitting
	a.transmitting = false
	a.mu.Unlock()

	a.pipeline.SetLocalEnabled(false)
	if changed {
		a.emit(false)
	}
}

// OnVoice consumes debounced detector transitions. Only meaningful in
// open-mic mode; entering silence arms the inactivity safeguard that
// falls back to PTT, and any detected speech cancels it.
func (a *Arbiter) OnVoice(active bool) {
	a.mu.Lock()
	if a.mode != ModeOpenMic {
		a.mu.Unlock()
		return
	}
	var changed bool
	if active {
		a.stopInactivityLocked()
		changed = !a.transmitting
		a.transmitting = true
	} else {
		changed = a.transmitting
		a.transmitting = false
		a.stopInactivityLocked()
		a.armInactivityLocked()
	}
	a.mu.Unlock()

	if changed {
		a.emit(active)
	}
}

func (a *Arbiter) inactivityFired() {
	a.mu.Lock()
	if a.mode != ModeOpenMic {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	log.Warn().Str("module", "session").Dur("after", a.inactivityAfter).Msg("open-mic inactivity, falling back to push-to-talk")
	a.SetMode(ModePushToTalk)
}

// Reset cancels timers and clears transmission state without broadcasting.
// Runs on session teardown; the leave announcement supersedes any flag.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.stopInactivityLocked()
	a.transmitting = false
	a.pttHeld = false
	a.mu.Unlock()
}

func (a *Arbiter) stopInactivityLocked() {
	if a.inactivity != nil {
		a.inactivity.Stop()
		a.inactivity = nil
	}
}

func (a *Arbiter) armInactivityLocked() {
	if a.inactivityAfter > 0 {
		a.inactivity = time.AfterFunc(a.inactivityAfter, a.inactivityFired)
	}
}

func (a *Arbiter) emit(transmitting bool) {
	metrics.TransmissionToggles.Inc()
	a.broadcast(transmitting)
}

func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Arbiter) Transmitting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transmitting
}

func (a *Arbiter) PTTHeld() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pttHeld
}
