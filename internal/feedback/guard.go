// Package feedback keeps the client from transcribing its own speech output.
//
// The Guard sits between the playback queue, the transport's capture gate and
// the voice-activity detector: while any chunk is rendering it mutes capture
// forwarding AND stops the detector, and it only resumes listening after a
// cooldown past the end of rendering, because room reverberation and buffered
// samples outlive the logical "complete" signal. A failed resume gets exactly
// one retry with a full detector re-initialization; a detector that dies
// silently is caught by a periodic health check.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-app/parlo/pkg/vad"
)

const (
	defaultCooldown       = 1500 * time.Millisecond
	defaultRetryBackoff   = 2 * time.Second
	defaultHealthInterval = 10 * time.Second
)

// CaptureGate controls whether captured audio frames are forwarded to the
// backend. Implemented by transport.Transport.
type CaptureGate interface {
	SetCaptureForwarding(enabled bool)
}

// Options configures a Guard.
type Options struct {
	// Cooldown is the delay between the end of rendering and the detector
	// resuming. Defaults to 1.5s.
	Cooldown time.Duration

	// RetryBackoff is the wait before the single resume retry. Defaults to 2s.
	RetryBackoff time.Duration

	// HealthInterval is the period of the silent-death check while the
	// session should be listening. Defaults to 10s.
	HealthInterval time.Duration

	// OnError receives resume failures that exhausted the retry. May be nil.
	OnError func(err error)

	Logger *slog.Logger
}

// Guard enforces the feedback-prevention invariants. All methods are safe for
// concurrent use.
type Guard struct {
	det  vad.Detector
	gate CaptureGate

	cooldown       time.Duration
	retryBackoff   time.Duration
	healthInterval time.Duration
	onError        func(err error)
	log            *slog.Logger

	mu            sync.Mutex
	ctx           context.Context
	engaged       bool
	rendering     bool
	retried       bool
	cooldownTimer *time.Timer
	retryTimer    *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// NewGuard wires det and gate together. The detector must already be
// initialized by the caller; the Guard only re-initializes it on the retry
// path. Call Close to stop the health-check goroutine.
func NewGuard(det vad.Detector, gate CaptureGate, opts Options) *Guard {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g := &Guard{
		det:            det,
		gate:           gate,
		cooldown:       opts.Cooldown,
		retryBackoff:   opts.RetryBackoff,
		healthInterval: opts.HealthInterval,
		onError:        opts.OnError,
		log:            opts.Logger,
		ctx:            context.Background(),
		done:           make(chan struct{}),
	}
	go g.healthLoop()
	return g
}

// Engage marks the session as wanting to listen and starts the detector
// unless audio is currently rendering. ctx is retained for detector
// re-initialization on the retry and health-check paths.
func (g *Guard) Engage(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.engaged = true
	rendering := g.rendering
	g.mu.Unlock()

	if !rendering {
		g.resume()
	}
}

// Disengage stops listening and cancels any pending resume. Capture
// forwarding is switched off; the detector keeps its initialized state so a
// later Engage can start it again.
func (g *Guard) Disengage() {
	g.mu.Lock()
	g.engaged = false
	g.stopTimersLocked()
	g.mu.Unlock()

	g.gate.SetCaptureForwarding(false)
	g.det.Stop()
}

// OnPlaybackState is the playback queue's state-change callback. playing=true
// mutes capture and stops the detector immediately; playing=false arms the
// cooldown timer that eventually resumes listening.
func (g *Guard) OnPlaybackState(playing bool) {
	g.mu.Lock()
	g.rendering = playing
	g.stopTimersLocked()
	if playing {
		g.mu.Unlock()
		g.gate.SetCaptureForwarding(false)
		g.det.Stop()
		return
	}

	if !g.engaged {
		g.mu.Unlock()
		return
	}
	g.retried = false
	g.cooldownTimer = time.AfterFunc(g.cooldown, g.resume)
	g.mu.Unlock()
}

// Rendering reports whether the guard currently believes audio is playing.
func (g *Guard) Rendering() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rendering
}

// Close cancels all timers and stops the health-check goroutine.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.engaged = false
		g.stopTimersLocked()
		g.mu.Unlock()
		close(g.done)
	})
}

// stopTimersLocked cancels a pending cooldown or retry. Caller holds mu.
func (g *Guard) stopTimersLocked() {
	if g.cooldownTimer != nil {
		g.cooldownTimer.Stop()
		g.cooldownTimer = nil
	}
	if g.retryTimer != nil {
		g.retryTimer.Stop()
		g.retryTimer = nil
	}
}

// resume re-opens the capture gate and starts the detector. A failure
// schedules exactly one retry with a full re-initialization; a second failure
// is reported and the guard stays quiet until the next playback cycle or
// Engage.
func (g *Guard) resume() {
	g.mu.Lock()
	if !g.engaged || g.rendering {
		g.mu.Unlock()
		return
	}
	g.cooldownTimer = nil
	g.mu.Unlock()

	g.gate.SetCaptureForwarding(true)
	err := g.det.Start()
	if err == nil {
		return
	}

	g.mu.Lock()
	if g.retried || !g.engaged {
		g.mu.Unlock()
		g.log.Error("detector resume failed after retry", "error", err)
		g.reportError(fmt.Errorf("feedback: resume detector: %w", err))
		return
	}
	g.retried = true
	g.log.Warn("detector resume failed, retrying with re-initialization",
		"backoff", g.retryBackoff, "error", err)
	g.retryTimer = time.AfterFunc(g.retryBackoff, g.retryResume)
	g.mu.Unlock()
}

// retryResume is the single retry: tear the detector down and bring it back
// from scratch. Never reschedules itself.
func (g *Guard) retryResume() {
	g.mu.Lock()
	g.retryTimer = nil
	if !g.engaged || g.rendering {
		g.mu.Unlock()
		return
	}
	ctx := g.ctx
	g.mu.Unlock()

	g.det.Stop()
	if err := g.det.Initialize(ctx); err != nil {
		g.reportError(fmt.Errorf("feedback: reinitialize detector: %w", err))
		return
	}
	if err := g.det.Start(); err != nil {
		g.reportError(fmt.Errorf("feedback: restart detector: %w", err))
		return
	}
	g.log.Info("detector recovered after retry")
}

// healthLoop periodically checks for a silently dead detector: the session
// wants to listen, nothing is rendering, no resume is pending, yet the
// detector is not in the listening state. Such a detector is restarted from
// scratch.
func (g *Guard) healthLoop() {
	ticker := time.NewTicker(g.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		idle := g.engaged && !g.rendering &&
			g.cooldownTimer == nil && g.retryTimer == nil
		ctx := g.ctx
		g.mu.Unlock()
		if !idle {
			continue
		}

		st := g.det.Status()
		if st.State == vad.StateListening {
			continue
		}

		g.log.Warn("detector not listening during health check, restarting",
			"state", st.State)
		g.det.Stop()
		if err := g.det.Initialize(ctx); err != nil {
			g.log.Error("health-check reinitialize failed", "error", err)
			continue
		}
		if err := g.det.Start(); err != nil {
			g.log.Error("health-check restart failed", "error", err)
		}
	}
}

func (g *Guard) reportError(err error) {
	if g.onError != nil {
		g.onError(err)
	}
}
