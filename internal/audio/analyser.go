package audio

import (
	"encoding/binary"
	"sync"
)

const analyserSmoothing = 0.8

// Analyser keeps a smoothed amplitude level of the local capture stream,
// scaled to 0..255 so voice-activity thresholds stay in a familiar range.
type Analyser struct {
	mu    sync.Mutex
	level float64
}

func NewAnalyser() *Analyser {
	return &Analyser{}
}

// Feed folds one 16-bit little-endian PCM frame into the level.
func (a *Analyser) Feed(frame []byte) {
	n := len(frame) / 2
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	instant := sum / float64(n) / 32768.0 * 255.0

	a.mu.Lock()
	a.level = analyserSmoothing*a.level + (1-analyserSmoothing)*instant
	a.mu.Unlock()
}

// Level returns the current smoothed amplitude, 0..255.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

// Reset clears the level, used on stream release.
func (a *Analyser) Reset() {
	a.mu.Lock()
	a.level = 0
	a.mu.Unlock()
}
