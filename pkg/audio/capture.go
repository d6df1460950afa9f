package audio

import "context"

// CaptureDevice is the microphone abstraction the session controller owns.
// Implementations deliver raw float PCM at their native sample rate; the
// Resampler turns those into transport frames.
type CaptureDevice interface {
	// Start opens the device and begins delivering sample blocks on the
	// channel returned by Samples. Start fails if the device is unavailable
	// or capture permission is denied.
	Start(ctx context.Context) error

	// Samples returns the channel of captured sample blocks. The channel is
	// closed after Stop returns or when the device fails mid-stream.
	Samples() <-chan CaptureBlock

	// SampleRate reports the device's native capture rate in Hz.
	SampleRate() int

	// Stop releases the device. Safe to call more than once.
	Stop() error
}

// CaptureBlock is one delivery of raw samples from a capture device. Float
// PCM in [-1,1], mono.
type CaptureBlock struct {
	Samples []float32
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a consumer detaches from a
// streaming channel mid-session.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
