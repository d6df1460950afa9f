package audio

import (
	"math"
	"time"
)

// Resampler converts raw capture samples at an arbitrary device rate into
// fixed-size 16 kHz mono int16 frames. Leftover samples that do not fill a
// complete frame are carried over to the next Push call, so concatenating the
// emitted frames reproduces the reference downsample of the whole input with
// no sample loss or duplication at call boundaries.
//
// Push runs on the real-time capture callback path: the working buffers are
// reused between calls and grow only up to one frame plus one decimation
// window. Create one Resampler per stream; not safe for shared use across
// goroutines.
type Resampler struct {
	frameSamples int

	// residual holds float samples already converted to the target rate but
	// not yet enough to fill a frame.
	residual []float32

	// carry holds input-rate samples left over from an incomplete decimation
	// window in the previous Push.
	carry     []float32
	carryRate int

	emitted uint64 // total frames emitted, for timestamps
}

// NewResampler creates a Resampler emitting frames of frameSamples samples.
// A frameSamples of zero selects [DefaultFrameSamples].
func NewResampler(frameSamples int) *Resampler {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Resampler{
		frameSamples: frameSamples,
		residual:     make([]float32, 0, frameSamples),
	}
}

// Push converts samples captured at inputRate and returns zero or more
// complete frames. Samples are float PCM in [-1,1]; values outside the range
// are clamped during int16 conversion. Input at the target rate passes
// through without modification.
//
// Changing inputRate mid-stream discards any carried decimation window from
// the old rate (the residual at the target rate is kept).
func (r *Resampler) Push(samples []float32, inputRate int) []Frame {
	if inputRate <= 0 || len(samples) == 0 {
		return nil
	}

	if r.carryRate != inputRate {
		r.carry = r.carry[:0]
		r.carryRate = inputRate
	}

	var converted []float32
	switch {
	case inputRate == TargetSampleRate:
		converted = samples
	case inputRate%TargetSampleRate == 0:
		converted = r.decimate(samples, inputRate/TargetSampleRate)
	default:
		converted = r.interpolate(samples, inputRate)
	}

	r.residual = append(r.residual, converted...)

	var frames []Frame
	for len(r.residual) >= r.frameSamples {
		frames = append(frames, r.emitFrame(r.residual[:r.frameSamples]))
		n := copy(r.residual, r.residual[r.frameSamples:])
		r.residual = r.residual[:n]
	}
	return frames
}

// Residual returns the number of target-rate samples currently buffered
// waiting for the next frame boundary.
func (r *Resampler) Residual() int { return len(r.residual) }

// Reset discards all carried state. Use when the capture stream restarts.
func (r *Resampler) Reset() {
	r.residual = r.residual[:0]
	r.carry = r.carry[:0]
	r.emitted = 0
}

// decimate downsamples by an integer ratio, averaging each window of ratio
// input samples into one output sample. An incomplete trailing window is
// carried to the next call.
func (r *Resampler) decimate(samples []float32, ratio int) []float32 {
	joined := samples
	if len(r.carry) > 0 {
		joined = append(r.carry, samples...)
	}

	n := len(joined) / ratio
	out := make([]float32, n)
	for i := range n {
		var sum float32
		for j := range ratio {
			sum += joined[i*ratio+j]
		}
		out[i] = sum / float32(ratio)
	}

	rest := joined[n*ratio:]
	r.carry = append(r.carry[:0], rest...)
	return out
}

// interpolate handles non-integer rate ratios with linear interpolation,
// mirroring the approach used for playback-side resampling. The last input
// sample is carried so interpolation is continuous across calls.
func (r *Resampler) interpolate(samples []float32, inputRate int) []float32 {
	joined := samples
	if len(r.carry) > 0 {
		joined = append(r.carry, samples...)
	}
	if len(joined) < 2 {
		r.carry = append(r.carry[:0], joined...)
		return nil
	}

	ratio := float64(inputRate) / float64(TargetSampleRate)
	n := int(float64(len(joined)-1) / ratio)
	out := make([]float32, 0, n)
	var pos float64
	for {
		idx := int(pos)
		if idx+1 >= len(joined) {
			break
		}
		frac := float32(pos - float64(idx))
		out = append(out, joined[idx]*(1-frac)+joined[idx+1]*frac)
		pos += ratio
	}

	// Keep the unconsumed tail for the next call.
	keep := int(pos)
	if keep >= len(joined) {
		keep = len(joined) - 1
	}
	r.carry = append(r.carry[:0], joined[keep:]...)
	return out
}

// emitFrame packs target-rate float samples into an int16 PCM frame and
// computes its RMS level.
func (r *Resampler) emitFrame(samples []float32) Frame {
	pcm := make([]byte, len(samples)*2)
	var sumSq float64
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		sumSq += float64(s) * float64(s)
		v := int16(s * 32767)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}

	ts := time.Duration(r.emitted) * time.Duration(len(samples)) * time.Second / TargetSampleRate
	r.emitted++

	return Frame{
		PCM:       pcm,
		RMS:       math.Sqrt(sumSq / float64(len(samples))),
		Timestamp: ts,
	}
}

// FrameRMS computes the normalised RMS of little-endian int16 PCM data.
// Returns 0 for empty input.
func FrameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sumSq += s * s
	}
	return math.Sqrt(sumSq/float64(n)) / 32768
}
