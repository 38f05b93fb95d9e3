package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func pcmFrame(sample int16, count int) []byte {
	frame := make([]byte, count*2)
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(sample))
	}
	return frame
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser()
	a.Feed(pcmFrame(0, 960))
	assert.Zero(t, a.Level())
}

func TestAnalyserScalesToByteRange(t *testing.T) {
	a := NewAnalyser()
	// Repeated full-scale frames converge on 255.
	for i := 0; i < 200; i++ {
		a.Feed(pcmFrame(-32768, 960))
	}
	assert.InDelta(t, 255, a.Level(), 0.5)
}

func TestAnalyserSmoothsSpikes(t *testing.T) {
	a := NewAnalyser()
	a.Feed(pcmFrame(16384, 960))

	// One loud frame moves the level only a fifth of the way there.
	instant := 16384.0 / 32768.0 * 255.0
	assert.InDelta(t, instant*0.2, a.Level(), 0.01)

	before := a.Level()
	a.Feed(pcmFrame(0, 960))
	assert.Less(t, a.Level(), before)
	assert.Greater(t, a.Level(), 0.0)
}

func TestAnalyserNegativeSamplesCountAsAmplitude(t *testing.T) {
	pos, neg := NewAnalyser(), NewAnalyser()
	pos.Feed(pcmFrame(12000, 960))
	neg.Feed(pcmFrame(-12000, 960))
	assert.InDelta(t, pos.Level(), neg.Level(), 0.001)
}

func TestAnalyserIgnoresEmptyFrame(t *testing.T) {
	a := NewAnalyser()
	a.Feed(pcmFrame(16384, 960))
	before := a.Level()
	a.Feed(nil)
	a.Feed([]byte{0x01})
	assert.Equal(t, before, a.Level())
}

func TestAnalyserReset(t *testing.T) {
	a := NewAnalyser()
	a.Feed(pcmFrame(16384, 960))
	assert.NotZero(t, a.Level())
	a.Reset()
	assert.Zero(t, a.Level())
}
