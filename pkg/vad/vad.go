// Package vad defines the Detector capability for voice-activity detection.
//
// A Detector consumes capture frames and reports speech boundaries through a
// callback bag. Two implementations exist: NativeDetector delegates to a
// continuous speech.Engine and additionally yields interim and final
// transcripts, while EnergyDetector is a self-contained signal-analysis
// fallback that only reports speech boundaries and voice level.
//
// Detectors never restart themselves after a failure. They surface the error
// through OnError and stop; the owner decides whether and when to
// re-Initialize and Start. This keeps restart policy (cooldowns, retry
// limits, feedback gating) in exactly one place.
package vad

import (
	"context"

	"github.com/parlo-app/parlo/pkg/audio"
)

// State enumerates detector lifecycle states.
type State int

const (
	// StateUninitialized means Initialize has not succeeded yet.
	StateUninitialized State = iota

	// StateReady means the detector is initialized but not listening.
	StateReady

	// StateListening means the detector is consuming frames.
	StateListening

	// StateStopped means the detector was stopped by its owner.
	StateStopped

	// StateFailed means the detector hit an error and stopped itself. The
	// owner may attempt one re-Initialize if the error is recoverable.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds detector parameters. Zero values select defaults.
type Config struct {
	// SampleRate of the PCM frames fed to ProcessFrame. Defaults to
	// audio.TargetSampleRate.
	SampleRate int

	// Language is the BCP-47 tag for recognition (native detector only).
	Language string

	// SpeechThreshold is the score above which a frame counts as voiced
	// (energy detector only). Defaults to 0.3.
	SpeechThreshold float64

	// HangoverMs is how long silence must persist before a speech segment
	// ends (energy detector only). Defaults to 600 ms.
	HangoverMs int
}

// ConfigPatch is a partial config update. Nil fields keep their current
// value. Applied live; no restart needed.
type ConfigPatch struct {
	Language        *string
	SpeechThreshold *float64
	HangoverMs      *int
}

// Status is a snapshot of a detector's current condition.
type Status struct {
	// Variant names the implementation ("native" or "energy").
	Variant string

	State State

	// LastError is the most recent error surfaced through OnError, or nil.
	LastError error
}

// Callbacks is the notification bag a detector reports through. Any field may
// be nil; nil callbacks are skipped. Callbacks are invoked from detector
// goroutines and must not block.
type Callbacks struct {
	// OnSpeechStart fires when a speech segment begins.
	OnSpeechStart func()

	// OnSpeechEnd fires when a speech segment ends.
	OnSpeechEnd func()

	// OnInterimResult delivers a low-latency transcript guess for the current
	// segment only. Never accumulated across segments. Native detector only.
	OnInterimResult func(text string, confidence float64)

	// OnFinalResult delivers the authoritative transcript for one segment.
	// Never accumulated across segments. Native detector only.
	OnFinalResult func(text string, confidence float64)

	// OnError surfaces a detector failure. After OnError the detector is in
	// StateFailed and will not restart itself.
	OnError func(err error)

	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(state State)

	// OnVoiceLevel delivers the smoothed input level in [0,1] for metering.
	OnVoiceLevel func(level float64, source audio.LevelSource)
}

func (c Callbacks) speechStart() {
	if c.OnSpeechStart != nil {
		c.OnSpeechStart()
	}
}

func (c Callbacks) speechEnd() {
	if c.OnSpeechEnd != nil {
		c.OnSpeechEnd()
	}
}

func (c Callbacks) interim(text string, conf float64) {
	if c.OnInterimResult != nil {
		c.OnInterimResult(text, conf)
	}
}

func (c Callbacks) final(text string, conf float64) {
	if c.OnFinalResult != nil {
		c.OnFinalResult(text, conf)
	}
}

func (c Callbacks) errorf(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) stateChange(s State) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func (c Callbacks) voiceLevel(level float64, source audio.LevelSource) {
	if c.OnVoiceLevel != nil {
		c.OnVoiceLevel(level, source)
	}
}

// Detector is the voice-activity capability contract.
//
// Lifecycle: Initialize → Start → (ProcessFrame...) → Stop, repeatable.
// A failed detector must be re-Initialized before Start works again.
type Detector interface {
	// Initialize prepares the detector. Unrecoverable environment problems
	// (no recognition backend, denied permission) surface here.
	Initialize(ctx context.Context) error

	// Start begins a listening segment. Fails if not initialized.
	Start() error

	// Stop ends listening. Idempotent. A stopped detector can Start again
	// without re-Initialize.
	Stop()

	// ProcessFrame feeds one capture frame. Ignored unless listening. Must
	// not block; called on the capture path.
	ProcessFrame(f audio.Frame)

	// UpdateConfig applies a partial config change live.
	UpdateConfig(patch ConfigPatch)

	// Status returns a snapshot of the detector's condition.
	Status() Status
}
