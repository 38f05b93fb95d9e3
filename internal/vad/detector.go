// Package vad infers a binary speaking state from the local capture
// stream's amplitude, with debounce against micro-pauses in speech.
package vad

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/metrics"
)

// Detector samples a level function on a fixed interval and emits debounced
// speaking transitions. It is a scoped resource: started on join, always
// stopped on leave, including error paths.
type Detector struct {
	threshold float64
	interval  time.Duration
	debounce  time.Duration
	level     func() float64
	onChange  func(active bool)

	mu         sync.Mutex
	active     bool
	lastActive time.Time
	cancel     context.CancelFunc
}

func New(threshold float64, interval, debounce time.Duration, level func() float64, onChange func(active bool)) *Detector {
	return &Detector{
		threshold: threshold,
		interval:  interval,
		debounce:  debounce,
		level:     level,
		onChange:  onChange,
	}
}

// Start begins the sampling loop. Idempotent while running.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	go d.run(ctx)
	log.Info().Str("module", "vad").Float64("threshold", d.threshold).Dur("interval", d.interval).Msg("detector started")
}

// Stop cancels the sampling loop and resets the speaking state.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.active = false
	d.lastActive = time.Time{}
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		log.Info().Str("module", "vad").Msg("detector stopped")
	}
}

func (d *Detector) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Observe(d.level(), now)
		}
	}
}

// Observe folds one amplitude sample into the debounced state. Transition
// into active is immediate; transition out waits until the instantaneous
// state has been continuously inactive for the debounce window.
func (d *Detector) Observe(level float64, now time.Time) {
	instant := level > d.threshold

	d.mu.Lock()
	var fire bool
	var next bool
	if instant {
		d.lastActive = now
		if !d.active {
			d.active = true
			fire, next = true, true
		}
	} else if d.active && !d.lastActive.IsZero() && now.Sub(d.lastActive) >= d.debounce {
		d.active = false
		fire, next = true, false
	}
	onChange := d.onChange
	d.mu.Unlock()

	if fire {
		if next {
			metrics.VADTransitions.WithLabelValues("active").Inc()
		} else {
			metrics.VADTransitions.WithLabelValues("inactive").Inc()
		}
		if onChange != nil {
			onChange(next)
		}
	}
}

// Active reports the current debounced speaking state.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
