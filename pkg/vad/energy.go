package vad

import (
	"context"
	"math"
	"sync"

	"github.com/parlo-app/parlo/pkg/audio"
)

const (
	defaultSpeechThreshold = 0.3
	defaultHangoverMs      = 600

	// absoluteRMSFloor is the normalised RMS below which a frame can never
	// count as voiced, regardless of the noise floor.
	absoluteRMSFloor = 0.01

	// startFrames is how many consecutive voiced frames are needed before a
	// segment opens. Suppresses single-frame clicks.
	startFrames = 3
)

// Speech-band analysis edges in Hz. Voiced speech concentrates energy in the
// mid band; hiss and rumble do not.
const (
	bandLow  = 300.0
	bandHigh = 3000.0
	bandTop  = 7000.0
)

var _ Detector = (*EnergyDetector)(nil)

// EnergyDetector is a self-contained signal-analysis detector used when no
// recognition engine is available. It classifies each frame with a weighted
// score of three features: mid-band spectral ratio (0.4), time-domain
// variation (0.3), and harmonic peakiness (0.3). A frame is voiced when the
// score clears the threshold AND its RMS is above twice the adaptive noise
// floor AND above an absolute floor.
//
// The detector emits no transcripts; speech boundaries and voice level only.
type EnergyDetector struct {
	cb Callbacks

	mu      sync.Mutex
	cfg     Config
	state   State
	lastErr error

	// segment tracking, guarded by mu
	speaking    bool
	voiceRun    int
	silenceMs   int
	noiseFloor  float64
	level       float64
	frameScores uint64
}

// NewEnergy creates an energy detector. Callbacks may be partially populated.
func NewEnergy(cfg Config, cb Callbacks) *EnergyDetector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetSampleRate
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.HangoverMs <= 0 {
		cfg.HangoverMs = defaultHangoverMs
	}
	return &EnergyDetector{cfg: cfg, cb: cb, state: StateUninitialized}
}

// Initialize arms the detector. It has no external dependencies, so this
// never fails unless the context is already cancelled.
func (d *EnergyDetector) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = nil
	d.setStateLocked(StateReady)
	return nil
}

// Start begins classifying frames.
func (d *EnergyDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateUninitialized, StateFailed:
		return ErrNotInitialized
	case StateListening:
		return nil
	}
	d.resetSegmentLocked()
	d.setStateLocked(StateListening)
	return nil
}

// Stop ends classification. An open segment is closed.
func (d *EnergyDetector) Stop() {
	d.mu.Lock()
	wasSpeaking := d.speaking
	d.speaking = false
	if d.state == StateListening {
		d.setStateLocked(StateStopped)
	}
	d.mu.Unlock()
	if wasSpeaking {
		d.cb.speechEnd()
	}
}

// ProcessFrame classifies one capture frame. Ignored unless listening.
func (d *EnergyDetector) ProcessFrame(f audio.Frame) {
	d.mu.Lock()
	if d.state != StateListening {
		d.mu.Unlock()
		return
	}

	score := scoreFrame(f, d.cfg.SampleRate)
	voiced := score > d.cfg.SpeechThreshold &&
		f.RMS > 2*d.noiseFloor &&
		f.RMS > absoluteRMSFloor

	var started, ended bool
	frameMs := int(f.Duration().Milliseconds())
	if voiced {
		d.voiceRun++
		d.silenceMs = 0
		if !d.speaking && d.voiceRun >= startFrames {
			d.speaking = true
			started = true
		}
		d.level = d.level*0.7 + score*0.3
	} else {
		d.voiceRun = 0
		// Track the floor toward recent quiet RMS so a noisy room raises
		// the bar instead of producing a permanently open segment.
		if d.noiseFloor == 0 {
			d.noiseFloor = f.RMS
		} else {
			d.noiseFloor = d.noiseFloor*0.95 + f.RMS*0.05
		}
		if d.speaking {
			d.silenceMs += frameMs
			if d.silenceMs >= d.cfg.HangoverMs {
				d.speaking = false
				ended = true
			}
		}
		d.level *= 0.9
	}
	level := d.level
	d.frameScores++
	d.mu.Unlock()

	if started {
		d.cb.speechStart()
	}
	if ended {
		d.cb.speechEnd()
	}
	d.cb.voiceLevel(level, audio.SourceAnalyser)
}

// UpdateConfig applies a partial change live.
func (d *EnergyDetector) UpdateConfig(patch ConfigPatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if patch.SpeechThreshold != nil && *patch.SpeechThreshold > 0 && *patch.SpeechThreshold <= 1 {
		d.cfg.SpeechThreshold = *patch.SpeechThreshold
	}
	if patch.HangoverMs != nil && *patch.HangoverMs > 0 {
		d.cfg.HangoverMs = *patch.HangoverMs
	}
	if patch.Language != nil {
		d.cfg.Language = *patch.Language
	}
}

// Status returns a snapshot of the detector's condition.
func (d *EnergyDetector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Variant: "energy", State: d.state, LastError: d.lastErr}
}

// NoiseFloor returns the current adaptive noise floor estimate. Exposed for
// metering and tests.
func (d *EnergyDetector) NoiseFloor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloor
}

func (d *EnergyDetector) resetSegmentLocked() {
	d.speaking = false
	d.voiceRun = 0
	d.silenceMs = 0
	d.level = 0
}

func (d *EnergyDetector) setStateLocked(s State) {
	if d.state == s {
		return
	}
	d.state = s
	d.cb.stateChange(s)
}

// scoreFrame computes the weighted voice score for one frame.
func scoreFrame(f audio.Frame, sampleRate int) float64 {
	samples := audio.BytesToInt16s(f.PCM)
	if len(samples) == 0 {
		return 0
	}

	spectral, peakiness := spectralFeatures(samples, sampleRate)
	variation := timeVariation(samples)

	return 0.4*spectral + 0.3*variation + 0.3*peakiness
}

// spectralFeatures returns the mid-band energy ratio and the harmonic
// peakiness (peak magnitude over mean magnitude within the mid band,
// normalised to [0,1]). Magnitudes come from a Goertzel pass over the frame's
// natural DFT bins up to the band top, which is cheap enough for a 30 ms
// frame on the capture path.
func spectralFeatures(samples []int16, sampleRate int) (ratio, peakiness float64) {
	nyquist := float64(sampleRate) / 2
	top := bandTop
	if top > nyquist {
		top = nyquist
	}

	// Probing at multiples of rate/N keeps the bins orthogonal, so a tone
	// lands in one bin instead of leaking across the whole grid.
	step := float64(sampleRate) / float64(len(samples))
	probes := int(top / step)

	var total, mid, midPeak, midSum float64
	var midCount int
	for i := 1; i <= probes; i++ {
		freq := float64(i) * step
		mag := goertzelMagnitude(samples, freq, sampleRate)
		total += mag
		if freq >= bandLow && freq <= bandHigh {
			mid += mag
			midSum += mag
			midCount++
			if mag > midPeak {
				midPeak = mag
			}
		}
	}
	if total <= 0 || midCount == 0 {
		return 0, 0
	}

	ratio = mid / total
	mean := midSum / float64(midCount)
	if mean > 0 {
		// Voiced speech shows strong harmonic peaks; flat noise gives a
		// peak-to-mean near 1. Map [1, 8] onto [0, 1].
		peakiness = (midPeak/mean - 1) / 7
		if peakiness < 0 {
			peakiness = 0
		} else if peakiness > 1 {
			peakiness = 1
		}
	}
	return ratio, peakiness
}

// timeVariation measures sample-to-sample movement normalised by the frame's
// peak amplitude, clamped to [0,1]. Speech moves; steady tones and DC do not.
func timeVariation(samples []int16) float64 {
	var peak float64
	var diff float64
	for i, s := range samples {
		a := math.Abs(float64(s))
		if a > peak {
			peak = a
		}
		if i > 0 {
			diff += math.Abs(float64(s) - float64(samples[i-1]))
		}
	}
	if peak == 0 {
		return 0
	}
	v := diff / (peak * float64(len(samples)))
	// Typical voiced frames land around 0.2-0.5 on this measure.
	v *= 2
	if v > 1 {
		v = 1
	}
	return v
}

// goertzelMagnitude computes the normalised spectral magnitude at freq.
func goertzelMagnitude(samples []int16, freq float64, sampleRate int) float64 {
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, sample := range samples {
		s0 = float64(sample)/32768 + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	if power < 0 {
		power = 0
	}
	return math.Sqrt(power) / float64(len(samples))
}
