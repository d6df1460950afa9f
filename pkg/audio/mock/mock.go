// Package mock provides an in-memory CaptureDevice for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parlo-app/parlo/pkg/audio"
)

// CaptureDevice is a scriptable capture device. Feed it sample blocks with
// Push; consumers read them from Samples like a real microphone.
type CaptureDevice struct {
	Rate int

	// StartErr, if set, is returned by Start to simulate a missing device or
	// denied permission.
	StartErr error

	mu      sync.Mutex
	ch      chan audio.CaptureBlock
	started bool
	stopped bool
}

// NewCaptureDevice returns a mock device reporting the given native rate.
func NewCaptureDevice(rate int) *CaptureDevice {
	return &CaptureDevice{
		Rate: rate,
		ch:   make(chan audio.CaptureBlock, 64),
	}
}

func (d *CaptureDevice) Start(ctx context.Context) error {
	if d.StartErr != nil {
		return d.StartErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started && !d.stopped {
		return errors.New("mock: capture already started")
	}
	d.started = true
	d.stopped = false
	return nil
}

func (d *CaptureDevice) Samples() <-chan audio.CaptureBlock { return d.ch }

func (d *CaptureDevice) SampleRate() int { return d.Rate }

func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.started {
		d.stopped = true
		return nil
	}
	d.stopped = true
	close(d.ch)
	return nil
}

// Push delivers one block of float samples as if captured from the device.
// Returns false if the device has been stopped.
func (d *CaptureDevice) Push(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.started {
		return false
	}
	d.ch <- audio.CaptureBlock{Samples: samples}
	return true
}

// Started reports whether Start has been called without a later Stop.
func (d *CaptureDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.stopped
}
