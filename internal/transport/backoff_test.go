package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelaySequence(t *testing.T) {
	initial := 1000 * time.Millisecond
	max := 30000 * time.Millisecond

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, backoffDelay(initial, max, attempt), "attempt %d", attempt)
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	initial := 250 * time.Millisecond
	max := 10 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(initial, max, attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
}

func TestBackoffDelayZeroInitial(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0, time.Second, 3))
}
