package feedback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parlo-app/parlo/internal/feedback"
	"github.com/parlo-app/parlo/pkg/vad"
	vadmock "github.com/parlo-app/parlo/pkg/vad/mock"
)

// fakeGate records every capture-forwarding switch.
type fakeGate struct {
	mu     sync.Mutex
	states []bool
}

func (f *fakeGate) SetCaptureForwarding(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, enabled)
}

// Enabled returns the most recent forwarding state, defaulting to false.
func (f *fakeGate) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return false
	}
	return f.states[len(f.states)-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// newGuard builds an engaged guard over an initialized mock detector.
func newGuard(t *testing.T, opts feedback.Options) (*feedback.Guard, *vadmock.Detector, *fakeGate) {
	t.Helper()
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Hour
	}
	det := &vadmock.Detector{}
	if err := det.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	gate := &fakeGate{}
	g := feedback.NewGuard(det, gate, opts)
	t.Cleanup(g.Close)
	g.Engage(context.Background())
	return g, det, gate
}

// While audio renders, capture forwarding is off and the detector is stopped.
func TestGuardMutesAndStopsDetectorWhileRendering(t *testing.T) {
	g, det, gate := newGuard(t, feedback.Options{Cooldown: 25 * time.Millisecond})

	if !det.Listening() || !gate.Enabled() {
		t.Fatal("guard should be listening with forwarding on after Engage")
	}

	g.OnPlaybackState(true)

	if gate.Enabled() {
		t.Error("capture forwarding still on while rendering")
	}
	if det.Listening() {
		t.Error("detector still listening while rendering")
	}
	if _, _, stops := det.Calls(); stops != 1 {
		t.Errorf("detector stops = %d, want 1", stops)
	}
}

// Listening resumes only after the cooldown has elapsed past the end of
// rendering.
func TestGuardResumesAfterCooldown(t *testing.T) {
	g, det, gate := newGuard(t, feedback.Options{Cooldown: 60 * time.Millisecond})

	g.OnPlaybackState(true)
	g.OnPlaybackState(false)

	time.Sleep(20 * time.Millisecond)
	if det.Listening() {
		t.Fatal("detector resumed before the cooldown elapsed")
	}

	waitUntil(t, "detector resumed", det.Listening)
	if !gate.Enabled() {
		t.Error("capture forwarding not restored on resume")
	}
}

// Playback restarting during the cooldown cancels the pending resume; only
// the final end of rendering leads to one resume.
func TestGuardCooldownCancelledByNewPlayback(t *testing.T) {
	g, det, _ := newGuard(t, feedback.Options{Cooldown: 50 * time.Millisecond})

	g.OnPlaybackState(true)
	g.OnPlaybackState(false)
	time.Sleep(10 * time.Millisecond)
	g.OnPlaybackState(true)
	time.Sleep(100 * time.Millisecond)
	if det.Listening() {
		t.Fatal("detector resumed while audio was rendering again")
	}

	g.OnPlaybackState(false)
	waitUntil(t, "detector resumed", det.Listening)

	if _, starts, _ := det.Calls(); starts != 2 {
		t.Errorf("detector starts = %d, want 2 (engage + one resume)", starts)
	}
}

// A failed resume gets exactly one retry with a full re-initialization, then
// gives up and reports the error. Never an unbounded loop.
func TestGuardResumeFailureRetriesExactlyOnce(t *testing.T) {
	errCh := make(chan error, 4)
	g, det, _ := newGuard(t, feedback.Options{
		Cooldown:     10 * time.Millisecond,
		RetryBackoff: 30 * time.Millisecond,
		OnError:      func(err error) { errCh <- err },
	})

	g.OnPlaybackState(true)
	det.SetStartErr(errors.New("engine busy"))
	g.OnPlaybackState(false)

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("retry exhaustion never reported")
	}

	inits, starts, _ := det.Calls()
	if inits != 2 {
		t.Errorf("initializations = %d, want 2 (construction + retry)", inits)
	}
	if starts != 3 {
		t.Errorf("starts = %d, want 3 (engage, resume, one retry)", starts)
	}

	// No further attempts after the single retry.
	time.Sleep(120 * time.Millisecond)
	if _, after, _ := det.Calls(); after != starts {
		t.Errorf("starts grew from %d to %d after the retry, want no more attempts", starts, after)
	}
	select {
	case err := <-errCh:
		t.Errorf("extra error reported: %v", err)
	default:
	}
}

// The retry re-initializes from scratch, so a transient start failure
// recovers on the second attempt.
func TestGuardRetryRecoversDetector(t *testing.T) {
	g, det, gate := newGuard(t, feedback.Options{
		Cooldown:     10 * time.Millisecond,
		RetryBackoff: 75 * time.Millisecond,
	})

	g.OnPlaybackState(true)
	det.SetStartErr(errors.New("engine busy"))
	g.OnPlaybackState(false)

	waitUntil(t, "first resume attempted", func() {
		_, starts, _ := det.Calls()
		return starts >= 2
	})
	det.SetStartErr(nil)

	waitUntil(t, "detector recovered", det.Listening)
	if !gate.Enabled() {
		t.Error("capture forwarding not restored after recovery")
	}
	if inits, _, _ := det.Calls(); inits != 2 {
		t.Errorf("initializations = %d, want 2", inits)
	}
}

// The health check restarts a detector that silently stopped listening.
func TestGuardHealthCheckRestartsDeadDetector(t *testing.T) {
	_, det, _ := newGuard(t, feedback.Options{
		Cooldown:       10 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	})

	waitUntil(t, "initial listening", det.Listening)
	det.SetState(vad.StateStopped)

	waitUntil(t, "detector restarted by health check", det.Listening)
	if inits, _, _ := det.Calls(); inits < 2 {
		t.Errorf("initializations = %d, want a full re-initialization", inits)
	}
}

// The health check stays quiet while audio renders; a stopped detector is
// the correct state then.
func TestGuardHealthCheckIdleWhileRendering(t *testing.T) {
	g, det, _ := newGuard(t, feedback.Options{
		Cooldown:       time.Hour,
		HealthInterval: 15 * time.Millisecond,
	})

	g.OnPlaybackState(true)
	_, startsBefore, _ := det.Calls()

	time.Sleep(100 * time.Millisecond)
	if det.Listening() {
		t.Error("detector listening while rendering")
	}
	if _, starts, _ := det.Calls(); starts != startsBefore {
		t.Errorf("health check started detector during rendering (starts %d -> %d)", startsBefore, starts)
	}
}

// Disengage cancels a pending resume and shuts the capture gate.
func TestGuardDisengageCancelsPendingResume(t *testing.T) {
	g, det, gate := newGuard(t, feedback.Options{Cooldown: 40 * time.Millisecond})

	g.OnPlaybackState(true)
	g.OnPlaybackState(false)
	g.Disengage()

	time.Sleep(100 * time.Millisecond)
	if det.Listening() {
		t.Error("detector resumed after Disengage")
	}
	if gate.Enabled() {
		t.Error("capture forwarding on after Disengage")
	}
}
