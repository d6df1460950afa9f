// Package speech defines the Engine interface for continuous speech
// recognition backends.
//
// An Engine wraps a recognition capability (local whisper.cpp inference, or a
// platform recogniser) behind a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// frames and emits two streams of Transcript values, low-latency partials for
// responsiveness and authoritative finals for the conversation flow.
//
// Implementations must be safe for concurrent use.
package speech

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned for optional operations an engine does not
// implement.
var ErrNotSupported = errors.New("operation not supported")

// Transcript represents one recognition result. Both partial (interim) and
// final transcripts use this type.
type Transcript struct {
	// Text is the recognised speech content for this segment only. Engines
	// must not accumulate text across segments.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0 to 1.0). May be zero if
	// the engine does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Zero selects the engine
	// default of 16000.
	SampleRate int

	// Channels is the number of audio channels. Zero selects mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en", "de").
	// An empty string lets the engine auto-detect, if supported.
	Language string
}

// SessionHandle represents an open recognition session. It is an interface so
// that test code can provide mock implementations without a real recogniser.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks the engine's processing goroutine. All methods must be safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw little-endian int16 PCM audio for
	// recognition. The chunk must match the format agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting low-latency interim
	// Transcript values. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting authoritative Transcript
	// values. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and closes the
	// Partials and Finals channels. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the abstraction over any continuous recognition backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Engine interface {
	// StartStream opens a new streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
