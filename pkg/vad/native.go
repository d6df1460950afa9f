package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parlo-app/parlo/pkg/audio"
	"github.com/parlo-app/parlo/pkg/speech"
)

// ErrNotInitialized is returned by Start before a successful Initialize.
var ErrNotInitialized = errors.New("vad: detector not initialized")

var _ Detector = (*NativeDetector)(nil)

// NativeDetector implements Detector on top of a continuous speech.Engine.
// Each Start opens a fresh engine session; interim and final transcripts are
// forwarded per segment, never accumulated. Spurious session endings are
// reported through OnError and leave the detector in StateFailed; the owner
// restarts, never the detector itself.
type NativeDetector struct {
	engine speech.Engine
	cb     Callbacks

	mu       sync.Mutex
	cfg      Config
	ctx      context.Context
	state    State
	lastErr  error
	session  speech.SessionHandle
	sessGen  int
	speaking bool
	meter    audio.LevelMeter
}

// NewNative creates a detector backed by the given engine. Callbacks may be
// partially populated.
func NewNative(engine speech.Engine, cfg Config, cb Callbacks) *NativeDetector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetSampleRate
	}
	return &NativeDetector{
		engine: engine,
		cfg:    cfg,
		cb:     cb,
		state:  StateUninitialized,
	}
}

// Initialize verifies the engine is usable and arms the detector. The context
// bounds all engine sessions started afterwards.
func (d *NativeDetector) Initialize(ctx context.Context) error {
	if d.engine == nil {
		return errors.New("vad: no speech engine available")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("vad: initialize: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	d.lastErr = nil
	d.setStateLocked(StateReady)
	return nil
}

// Start opens a new engine session and begins forwarding audio to it.
func (d *NativeDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateUninitialized, StateFailed:
		return ErrNotInitialized
	case StateListening:
		return nil
	}

	sess, err := d.engine.StartStream(d.ctx, speech.StreamConfig{
		SampleRate: d.cfg.SampleRate,
		Channels:   1,
		Language:   d.cfg.Language,
	})
	if err != nil {
		d.lastErr = fmt.Errorf("vad: start recognition stream: %w", err)
		d.setStateLocked(StateFailed)
		return d.lastErr
	}

	d.session = sess
	d.sessGen++
	d.speaking = false
	d.meter.Reset()
	d.setStateLocked(StateListening)

	// Forwarders exit when the engine closes the transcript channels on
	// session Close. The generation counter fences late deliveries from an
	// old session after a restart.
	gen := d.sessGen
	go d.forwardTranscripts(gen, sess.Partials(), false)
	go d.forwardTranscripts(gen, sess.Finals(), true)
	return nil
}

// Stop closes the current engine session. The detector stays initialized and
// can Start again.
func (d *NativeDetector) Stop() {
	d.mu.Lock()
	sess := d.session
	d.session = nil
	if d.state == StateListening {
		if d.speaking {
			d.speaking = false
			defer d.cb.speechEnd()
		}
		d.setStateLocked(StateStopped)
	}
	d.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// ProcessFrame forwards one capture frame to the engine session and updates
// the voice level. Dropped silently when not listening.
func (d *NativeDetector) ProcessFrame(f audio.Frame) {
	d.mu.Lock()
	if d.state != StateListening || d.session == nil {
		d.mu.Unlock()
		return
	}
	sess := d.session
	level := d.meter.Update(f.RMS, audio.SourceCapture)
	d.mu.Unlock()

	d.cb.voiceLevel(level, audio.SourceCapture)

	if err := sess.SendAudio(f.PCM); err != nil {
		d.fail(fmt.Errorf("vad: forward audio: %w", err))
	}
}

// UpdateConfig applies a partial change. A language change takes effect on
// the next Start.
func (d *NativeDetector) UpdateConfig(patch ConfigPatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if patch.Language != nil {
		d.cfg.Language = *patch.Language
	}
	if patch.SpeechThreshold != nil {
		d.cfg.SpeechThreshold = *patch.SpeechThreshold
	}
	if patch.HangoverMs != nil {
		d.cfg.HangoverMs = *patch.HangoverMs
	}
}

// Status returns a snapshot of the detector's condition.
func (d *NativeDetector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Variant: "native", State: d.state, LastError: d.lastErr}
}

// forwardTranscripts drains one transcript channel of the session identified
// by gen. Each transcript is one segment on its own: text is forwarded as
// received, never concatenated with earlier segments.
func (d *NativeDetector) forwardTranscripts(gen int, ch <-chan speech.Transcript, final bool) {
	for tr := range ch {
		d.mu.Lock()
		stale := gen != d.sessGen || d.state != StateListening
		if !stale && !d.speaking {
			d.speaking = true
			d.mu.Unlock()
			d.cb.speechStart()
			d.mu.Lock()
		}
		if !stale && final && d.speaking {
			d.speaking = false
		}
		d.mu.Unlock()
		if stale {
			continue
		}

		if final {
			d.cb.final(tr.Text, tr.Confidence)
			d.cb.speechEnd()
		} else {
			d.cb.interim(tr.Text, tr.Confidence)
		}
	}

	// Finals closing while we still think we are listening means the engine
	// session died underneath us.
	if final {
		d.mu.Lock()
		unexpected := gen == d.sessGen && d.state == StateListening
		d.mu.Unlock()
		if unexpected {
			d.fail(errors.New("vad: recognition session ended unexpectedly"))
		}
	}
}

// fail records the error, stops listening, and notifies the owner. No
// internal restart.
func (d *NativeDetector) fail(err error) {
	d.mu.Lock()
	if d.state == StateFailed {
		d.mu.Unlock()
		return
	}
	d.lastErr = err
	d.session = nil
	wasSpeaking := d.speaking
	d.speaking = false
	d.setStateLocked(StateFailed)
	d.mu.Unlock()

	if wasSpeaking {
		d.cb.speechEnd()
	}
	d.cb.errorf(err)
}

// setStateLocked transitions state and fires OnStateChange. Caller holds mu,
// so OnStateChange must not call back into the detector.
func (d *NativeDetector) setStateLocked(s State) {
	if d.state == s {
		return
	}
	d.state = s
	d.cb.stateChange(s)
}
