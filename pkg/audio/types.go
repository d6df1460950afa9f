// Package audio defines the frame type and capture-side processing for the
// Parlo voice pipeline: sample-rate conversion into fixed-size transport
// frames, RMS level metering, and the playback chunk codec.
//
// Frames are the atomic unit of audio transport — produced by the [Resampler]
// from raw capture samples, classified by the VAD, and streamed to the
// conversation backend as opaque binary messages.
package audio

import "time"

// TargetSampleRate is the sample rate all transport frames carry.
// The backend expects 16 kHz mono little-endian int16 PCM.
const TargetSampleRate = 16000

// DefaultFrameSamples is the default frame length in samples (30 ms at 16 kHz).
const DefaultFrameSamples = 480

// Frame is a single fixed-size frame of audio flowing through the pipeline.
// Once emitted by the Resampler a Frame is immutable; ownership passes to
// whichever stage currently holds it.
type Frame struct {
	// PCM is little-endian int16 mono audio data at [TargetSampleRate].
	PCM []byte

	// RMS is the root-mean-square level of this frame, normalised to [0,1]
	// relative to full-scale int16. Used for level metering and the energy
	// detector's noise-floor tracking.
	RMS float64

	// Timestamp marks when the first sample of this frame was captured,
	// relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.PCM) / 2 }

// Duration returns the play time of the frame at the target sample rate.
func (f Frame) Duration() time.Duration {
	return time.Duration(f.Samples()) * time.Second / TargetSampleRate
}
