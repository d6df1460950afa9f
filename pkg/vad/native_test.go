package vad_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlo-app/parlo/pkg/audio"
	"github.com/parlo-app/parlo/pkg/speech"
	speechmock "github.com/parlo-app/parlo/pkg/speech/mock"
	"github.com/parlo-app/parlo/pkg/vad"
)

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestNativeStartBeforeInitialize(t *testing.T) {
	d := vad.NewNative(&speechmock.Engine{}, vad.Config{}, vad.Callbacks{})
	if err := d.Start(); !errors.Is(err, vad.ErrNotInitialized) {
		t.Fatalf("Start before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestNativeInitializeWithoutEngine(t *testing.T) {
	d := vad.NewNative(nil, vad.Config{}, vad.Callbacks{})
	if err := d.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize with nil engine should fail")
	}
}

// Final transcripts must arrive one segment at a time, exactly as the engine
// emitted them. Accumulating segments would make the conversation backend see
// every previous utterance again on each turn.
func TestNativeForwardsSegmentsWithoutAccumulation(t *testing.T) {
	sess := speechmock.NewSession()
	engine := &speechmock.Engine{Session: sess}

	finals := make(chan string, 8)
	d := vad.NewNative(engine, vad.Config{}, vad.Callbacks{
		OnFinalResult: func(text string, _ float64) { finals <- text },
	})

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.FinalsCh <- speech.Transcript{Text: "hello there", IsFinal: true}
	sess.FinalsCh <- speech.Transcript{Text: "second utterance", IsFinal: true}

	if got := waitFor(t, finals, "first final"); got != "hello there" {
		t.Errorf("first final = %q, want %q", got, "hello there")
	}
	if got := waitFor(t, finals, "second final"); got != "second utterance" {
		t.Errorf("second final = %q, want %q (must not accumulate)", got, "second utterance")
	}

	d.Stop()
	close(sess.PartialsCh)
	close(sess.FinalsCh)
}

func TestNativeSpeechBoundariesAroundSegment(t *testing.T) {
	sess := speechmock.NewSession()
	engine := &speechmock.Engine{Session: sess}

	events := make(chan string, 8)
	d := vad.NewNative(engine, vad.Config{}, vad.Callbacks{
		OnSpeechStart:   func() { events <- "start" },
		OnSpeechEnd:     func() { events <- "end" },
		OnInterimResult: func(string, float64) { events <- "interim" },
		OnFinalResult:   func(string, float64) { events <- "final" },
	})

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.PartialsCh <- speech.Transcript{Text: "hel"}
	if got := waitFor(t, events, "speech start"); got != "start" {
		t.Fatalf("first event = %q, want start", got)
	}
	if got := waitFor(t, events, "interim"); got != "interim" {
		t.Fatalf("second event = %q, want interim", got)
	}

	sess.FinalsCh <- speech.Transcript{Text: "hello", IsFinal: true}
	if got := waitFor(t, events, "final"); got != "final" {
		t.Fatalf("third event = %q, want final", got)
	}
	if got := waitFor(t, events, "speech end"); got != "end" {
		t.Fatalf("fourth event = %q, want end", got)
	}

	d.Stop()
	close(sess.PartialsCh)
	close(sess.FinalsCh)
}

// A recognition session dying underneath the detector must surface as an
// error and leave the detector failed. It must never open a replacement
// session on its own.
func TestNativeNoInternalRestartOnSessionDeath(t *testing.T) {
	sess := speechmock.NewSession()
	engine := &speechmock.Engine{Session: sess}

	errCh := make(chan error, 2)
	d := vad.NewNative(engine, vad.Config{}, vad.Callbacks{
		OnError: func(err error) { errCh <- err },
	})

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Simulate the engine session dying.
	close(sess.PartialsCh)
	close(sess.FinalsCh)

	if err := waitFor(t, errCh, "detector error"); err == nil {
		t.Fatal("expected non-nil error")
	}
	if st := d.Status(); st.State != vad.StateFailed {
		t.Errorf("state after session death = %v, want failed", st.State)
	}
	if n := engine.StartStreamCallCount(); n != 1 {
		t.Errorf("engine sessions started = %d, want 1 (no internal restart)", n)
	}

	// Failed detectors require re-Initialize before Start.
	if err := d.Start(); !errors.Is(err, vad.ErrNotInitialized) {
		t.Errorf("Start after failure = %v, want ErrNotInitialized", err)
	}
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	engine.Session = speechmock.NewSession()
	if err := d.Start(); err != nil {
		t.Errorf("Start after re-Initialize: %v", err)
	}
	d.Stop()
}

func TestNativeProcessFrameForwardsAudio(t *testing.T) {
	sess := speechmock.NewSession()
	engine := &speechmock.Engine{Session: sess}

	d := vad.NewNative(engine, vad.Config{}, vad.Callbacks{})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	frame := audio.Frame{PCM: make([]byte, 960), RMS: 0.1}

	// Frames before Start are dropped.
	d.ProcessFrame(frame)
	if n := sess.SendAudioCallCount(); n != 0 {
		t.Fatalf("frames forwarded before Start = %d, want 0", n)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.ProcessFrame(frame)
	d.ProcessFrame(frame)
	if n := sess.SendAudioCallCount(); n != 2 {
		t.Errorf("frames forwarded = %d, want 2", n)
	}

	d.Stop()
	if sess.CloseCallCount != 1 {
		t.Errorf("session Close calls = %d, want 1", sess.CloseCallCount)
	}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
}
