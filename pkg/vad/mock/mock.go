// Package mock provides a scriptable Detector for tests of components that
// own a detector (session controller, feedback guard).
package mock

import (
	"context"
	"sync"

	"github.com/parlo-app/parlo/pkg/audio"
	"github.com/parlo-app/parlo/pkg/vad"
)

// Detector is a mock implementation of vad.Detector. It records lifecycle
// calls and lets tests drive callbacks directly through the Callbacks field.
type Detector struct {
	// Callbacks is the bag the owner registered. Tests invoke these to
	// simulate detector events.
	Callbacks vad.Callbacks

	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	mu              sync.Mutex
	state           vad.State
	InitializeCalls int
	StartCalls      int
	StopCalls       int
	Frames          []audio.Frame
	Patches         []vad.ConfigPatch
}

var _ vad.Detector = (*Detector)(nil)

func (d *Detector) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InitializeCalls++
	if d.InitializeErr != nil {
		return d.InitializeErr
	}
	d.state = vad.StateReady
	return nil
}

func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	if d.StartErr != nil {
		d.state = vad.StateFailed
		return d.StartErr
	}
	d.state = vad.StateListening
	return nil
}

func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls++
	if d.state == vad.StateListening {
		d.state = vad.StateStopped
	}
}

func (d *Detector) ProcessFrame(f audio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == vad.StateListening {
		d.Frames = append(d.Frames, f)
	}
}

func (d *Detector) UpdateConfig(patch vad.ConfigPatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Patches = append(d.Patches, patch)
}

func (d *Detector) Status() vad.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vad.Status{Variant: "mock", State: d.state}
}

// SetStartErr changes the error returned by Start while the mock is in use.
func (d *Detector) SetStartErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartErr = err
}

// Calls returns the lifecycle call counts so far.
func (d *Detector) Calls() (initialize, start, stop int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.InitializeCalls, d.StartCalls, d.StopCalls
}

// SetState forces the reported state, e.g. to simulate a silently dead
// detector for health-check tests.
func (d *Detector) SetState(s vad.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// Listening reports whether the mock is currently in the listening state.
func (d *Detector) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == vad.StateListening
}

// FrameCount returns the number of frames delivered while listening.
func (d *Detector) FrameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}
