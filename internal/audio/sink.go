package audio

import (
	"sync"

	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
)

// SinkFactory builds the playback sink for one remote user. Created lazily
// on first inbound audio and reused across renegotiation.
type SinkFactory func(domain.UserID) core.AudioSink

// BufferSink is the default sink: a bounded frame buffer the embedding
// application drains into its playback device.
type BufferSink struct {
	mu     sync.Mutex
	muted  bool
	closed bool
	frames []core.Frame
	limit  int
}

func NewBufferSink() *BufferSink {
	return &BufferSink{limit: 256}
}

func (s *BufferSink) Write(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.muted {
		return nil
	}
	if len(s.frames) >= s.limit {
		// Playback is lossy by nature; drop the oldest frame.
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *BufferSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Drain hands the buffered frames to the playback device and empties the
// buffer.
func (s *BufferSink) Drain() []core.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

func (s *BufferSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.frames = nil
	s.mu.Unlock()
	return nil
}
