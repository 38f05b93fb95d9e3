package core

import "context"

// Frame is a raw binary payload (e.g. a 20 ms PCM or Opus audio frame).
type Frame []byte

// AudioSource is a live capture session for the local microphone.
// Owned by the audio pipeline; the pipeline must Close() it.
type AudioSource interface {
	// ReadFrame blocks until the next capture frame is available.
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// AudioSink renders one remote participant's inbound audio.
type AudioSink interface {
	Write(Frame) error
	SetMuted(bool)
	Close() error
}
