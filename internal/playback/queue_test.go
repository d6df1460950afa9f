package playback_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/parlo-app/parlo/internal/playback"
	"github.com/parlo-app/parlo/internal/playback/mock"
)

func b64(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
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

func newQueue(t *testing.T, r playback.Renderer, opts playback.Options) *playback.Queue {
	t.Helper()
	q, err := playback.New(r, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// Chunks must render in arrival order with never more than one active
// render.
func TestChunksRenderInOrderExclusively(t *testing.T) {
	r := &mock.Renderer{PlayDuration: 10 * time.Millisecond}
	q := newQueue(t, r, playback.Options{})

	payloads := [][]byte{
		bytes.Repeat([]byte{1, 0}, 160),
		bytes.Repeat([]byte{2, 0}, 160),
		bytes.Repeat([]byte{3, 0}, 160),
	}
	for _, p := range payloads {
		q.Enqueue(playback.Chunk{AudioBase64: b64(p)})
	}

	waitUntil(t, "all chunks rendered", func() { return r.PlayCount() == 3 })
	waitUntil(t, "queue idle", func() { return !q.Playing() })

	played := r.Played()
	for i, p := range payloads {
		if !bytes.Equal(played[i], p) {
			t.Errorf("chunk %d out of order", i)
		}
	}
	if r.MaxConcurrent() != 1 {
		t.Errorf("max concurrent renders = %d, want 1", r.MaxConcurrent())
	}
}

func TestCurrentTextVisibleOnlyWhileRendering(t *testing.T) {
	hold := make(chan struct{})
	r := &mock.Renderer{Hold: hold}
	q := newQueue(t, r, playback.Options{})

	if got := q.CurrentText(); got != "" {
		t.Fatalf("idle CurrentText = %q, want empty", got)
	}

	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{1, 0}), Text: "hello world"})
	waitUntil(t, "render start", func() { return q.Playing() })
	if got := q.CurrentText(); got != "hello world" {
		t.Errorf("CurrentText while rendering = %q, want %q", got, "hello world")
	}

	close(hold)
	waitUntil(t, "queue idle", func() { return !q.Playing() })
	if got := q.CurrentText(); got != "" {
		t.Errorf("CurrentText after render = %q, want empty", got)
	}
}

// FlushAll stops the in-flight chunk and discards the backlog; the queue is
// idle immediately after.
func TestFlushAllReturnsToIdle(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	r := &mock.Renderer{Hold: hold}

	var states []bool
	stateCh := make(chan bool, 8)
	q := newQueue(t, r, playback.Options{
		OnStateChange: func(playing bool) { stateCh <- playing },
	})

	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{1, 0}), Text: "a"})
	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{2, 0}), Text: "b"})
	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{3, 0}), Text: "c"})

	waitUntil(t, "first chunk rendering", func() { return q.Playing() })

	q.FlushAll()
	waitUntil(t, "queue idle after flush", func() { return !q.Playing() })

	if got := q.Pending(); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}
	if got := q.CurrentText(); got != "" {
		t.Errorf("CurrentText after flush = %q, want empty", got)
	}
	if got := r.PlayCount(); got != 1 {
		t.Errorf("renders = %d, want 1 (backlog must be discarded)", got)
	}

	// Drain observed state transitions: true then false.
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case s := <-stateCh:
			states = append(states, s)
		case <-timeout:
			t.Fatalf("state transitions seen = %v, want [true false]", states)
		}
	}
	if !states[0] || states[1] {
		t.Errorf("state transitions = %v, want [true false]", states)
	}
}

// A chunk that fails to decode is dropped and the next one renders; the
// session continues.
func TestUndecodableChunkIsSkipped(t *testing.T) {
	r := &mock.Renderer{}
	errCh := make(chan error, 4)
	q := newQueue(t, r, playback.Options{
		OnError: func(err error) { errCh <- err },
	})

	good := []byte{7, 0, 7, 0}
	q.Enqueue(playback.Chunk{AudioBase64: "%%% not base64 %%%"})
	q.Enqueue(playback.Chunk{AudioBase64: b64(good)})

	waitUntil(t, "good chunk rendered", func() { return r.PlayCount() == 1 })

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected a decode error")
		}
	case <-time.After(time.Second):
		t.Fatal("decode error never reported")
	}
	if !bytes.Equal(r.Played()[0], good) {
		t.Error("rendered payload is not the good chunk")
	}
}

func TestEnqueueAfterCloseIsIgnored(t *testing.T) {
	r := &mock.Renderer{}
	q, err := playback.New(r, playback.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Close()

	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{1, 0})})
	time.Sleep(50 * time.Millisecond)
	if r.PlayCount() != 0 {
		t.Errorf("renders after Close = %d, want 0", r.PlayCount())
	}
	if q.Close() != nil {
		t.Error("second Close should return nil")
	}
}

// Enqueueing while a long chunk renders keeps strict order: the playing flag
// never drops between consecutive chunks of the same utterance.
func TestPlayingStaysSetBetweenChunks(t *testing.T) {
	r := &mock.Renderer{PlayDuration: 30 * time.Millisecond}
	transitions := make(chan bool, 8)
	q := newQueue(t, r, playback.Options{
		OnStateChange: func(playing bool) { transitions <- playing },
	})

	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{1, 0})})
	q.Enqueue(playback.Chunk{AudioBase64: b64([]byte{2, 0})})

	waitUntil(t, "both chunks rendered", func() { return r.PlayCount() == 2 })
	waitUntil(t, "queue idle", func() { return !q.Playing() })

	var got []bool
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case s := <-transitions:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("transitions = %v, want [true false]", got)
		}
	}
	select {
	case s := <-transitions:
		t.Errorf("extra state transition %v; playing must stay set across back-to-back chunks", s)
	case <-time.After(100 * time.Millisecond):
	}
}
