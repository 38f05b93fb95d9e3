package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callsheet/voicemesh/internal/core"
)

// ErrNoDevice reports that no capture device is available.
var ErrNoDevice = errors.New("no capture device")

// PermissionError is fatal to a join attempt: the user denied microphone
// access or no device exists. Surfaced immediately, never retried.
type PermissionError struct {
	Cause error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone permission denied: %v", e.Cause)
}

func (e *PermissionError) Unwrap() error { return e.Cause }

// SourceFactory opens a capture session. Constraints (echo cancellation,
// noise suppression, auto gain) are the platform glue's concern behind
// this boundary.
type SourceFactory func(ctx context.Context) (core.AudioSource, error)

// StaticSource emits a fixed PCM frame on a fixed cadence. Used by tests
// and headless runs where no real capture device is wired in.
type StaticSource struct {
	frame    core.Frame
	interval time.Duration
}

// NewStaticSource builds a source repeating frame every interval.
func NewStaticSource(frame core.Frame, interval time.Duration) *StaticSource {
	return &StaticSource{frame: frame, interval: interval}
}

func (s *StaticSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	out := make(core.Frame, len(s.frame))
	copy(out, s.frame)
	return out, nil
}

func (s *StaticSource) Close() error { return nil }
