package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parlo-app/parlo/internal/config"
	playbackmock "github.com/parlo-app/parlo/internal/playback/mock"
	"github.com/parlo-app/parlo/internal/session"
	audiomock "github.com/parlo-app/parlo/pkg/audio/mock"
	"github.com/parlo-app/parlo/pkg/vad"
	vadmock "github.com/parlo-app/parlo/pkg/vad/mock"
)

// ── Test backend ──────────────────────────────────────────────────────────────

type recordedMsg struct {
	kind string // "json" or "binary"
	m    map[string]any
}

// backend is a scriptable conversation server: it records everything the
// client sends and lets the test push events down the same connection.
type backend struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu   sync.Mutex
	msgs []recordedMsg
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{conns: make(chan *websocket.Conn, 4)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		b.conns <- conn
		b.readAll(conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// readAll records inbound messages until the connection dies.
func (b *backend) readAll(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		msg := recordedMsg{kind: "binary"}
		if typ == websocket.MessageText {
			msg.kind = "json"
			m := map[string]any{}
			if err := json.Unmarshal(data, &m); err == nil {
				msg.m = m
			}
		}
		b.mu.Lock()
		b.msgs = append(b.msgs, msg)
		b.mu.Unlock()
	}
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *backend) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("backend never accepted a connection")
		return nil
	}
}

func (b *backend) send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("backend send: %v", err)
	}
}

func (b *backend) recorded() []recordedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedMsg, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	ctrl     *session.Controller
	backend  *backend
	capture  *audiomock.CaptureDevice
	renderer *playbackmock.Renderer
	det      *vadmock.Detector

	mu     sync.Mutex
	finals []string
}

func newHarness(t *testing.T, tweak func(cfg *config.Config, r *playbackmock.Renderer)) *harness {
	t.Helper()

	h := &harness{
		backend:  startBackend(t),
		capture:  audiomock.NewCaptureDevice(16000),
		renderer: &playbackmock.Renderer{},
		det:      &vadmock.Detector{},
	}

	cfg := &config.Config{}
	cfg.Backend.URL = h.backend.url()
	cfg.ApplyDefaults()
	cfg.Feedback.Cooldown = 150 * time.Millisecond
	cfg.Feedback.HealthInterval = time.Hour
	if tweak != nil {
		tweak(cfg, h.renderer)
	}

	ctrl, err := session.New(cfg, session.Deps{
		Capture:  h.capture,
		Renderer: h.renderer,
		NewDetector: func(cb vad.Callbacks) vad.Detector {
			h.det.Callbacks = cb
			return h.det
		},
	}, session.Events{
		OnTranscript: func(text string, final bool) {
			if final {
				h.mu.Lock()
				h.finals = append(h.finals, text)
				h.mu.Unlock()
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { ctrl.Close() })
	return h
}

func (h *harness) finalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.finals)
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

func waitState(t *testing.T, c *session.Controller, want session.State) {
	t.Helper()
	waitUntil(t, "state "+want.String(), func() { return c.State() == want })
}

func b64(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// The handshake must precede any audio: client_prefs first, then
// microphone_started, and binary frames only after both.
func TestPrefsHandshakePrecedesAudio(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.backend.accept(t)
	waitState(t, h.ctrl, session.StateIdle)

	if err := h.ctrl.StartMicrophone(); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	waitState(t, h.ctrl, session.StateListening)

	h.capture.Push(make([]float32, 480))
	h.capture.Push(make([]float32, 480))

	waitUntil(t, "binary frame at backend", func() {
		for _, m := range h.backend.recorded() {
			if m.kind == "binary" {
				return true
			}
		}
		return false
	})

	msgs := h.backend.recorded()
	if msgs[0].kind != "json" || msgs[0].m["type"] != "client_prefs" {
		t.Fatalf("first message = %+v, want client_prefs", msgs[0])
	}
	sawMicStarted := false
	for _, m := range msgs {
		if m.kind == "json" && m.m["type"] == "microphone_started" {
			sawMicStarted = true
		}
		if m.kind == "binary" && !sawMicStarted {
			t.Fatal("binary frame before microphone_started")
		}
	}
	if !sawMicStarted {
		t.Fatal("microphone_started never sent")
	}
}

// A final segment while listening produces exactly one final transcript event
// and moves the session to waiting-for-response.
func TestFinalSegmentMovesToWaitingForResponse(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.backend.accept(t)
	if err := h.ctrl.StartMicrophone(); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	waitState(t, h.ctrl, session.StateListening)

	h.det.Callbacks.OnSpeechStart()
	h.det.Callbacks.OnInterimResult("hel", 0.4)
	waitState(t, h.ctrl, session.StateTranscribing)

	h.det.Callbacks.OnFinalResult("hello", 0.9)
	waitState(t, h.ctrl, session.StateWaitingForResponse)

	if got := h.finalCount(); got != 1 {
		t.Errorf("final transcript events = %d, want 1", got)
	}
}

// A full response round: audio start, three chunks, complete. All three
// render sequentially; the detector resumes only after the cooldown.
func TestResponseRendersThenListeningAfterCooldown(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, r *playbackmock.Renderer) {
		r.PlayDuration = 15 * time.Millisecond
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.backend.accept(t)
	if err := h.ctrl.StartMicrophone(); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	waitState(t, h.ctrl, session.StateListening)
	waitUntil(t, "detector listening", h.det.Listening)

	h.backend.send(t, conn, map[string]any{"type": "ai_audio_start"})
	for i := range 3 {
		h.backend.send(t, conn, map[string]any{
			"type":         "ai_audio_chunk",
			"audio_base64": b64([]byte{byte(i + 1), 0}),
		})
	}
	h.backend.send(t, conn, map[string]any{"type": "ai_audio_complete"})

	waitState(t, h.ctrl, session.StateSpeaking)
	waitUntil(t, "detector muted for playback", func() { return !h.det.Listening() })

	waitUntil(t, "three renders", func() { return h.renderer.PlayCount() == 3 })
	if h.renderer.MaxConcurrent() != 1 {
		t.Errorf("max concurrent renders = %d, want 1", h.renderer.MaxConcurrent())
	}

	waitState(t, h.ctrl, session.StateListening)
	if h.det.Listening() {
		t.Error("detector resumed before the cooldown elapsed")
	}
	waitUntil(t, "detector resumed after cooldown", h.det.Listening)
}

// A new utterance discards chunks still queued from the previous one.
func TestNewUtteranceFlushesStaleChunks(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, func(cfg *config.Config, r *playbackmock.Renderer) {
		r.Hold = hold
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.backend.accept(t)
	if err := h.ctrl.StartMicrophone(); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	waitState(t, h.ctrl, session.StateListening)

	// First utterance: chunk A renders (held), B and C stay queued.
	h.backend.send(t, conn, map[string]any{"type": "ai_audio_start"})
	for _, p := range [][]byte{{0xA, 0}, {0xB, 0}, {0xC, 0}} {
		h.backend.send(t, conn, map[string]any{
			"type":         "ai_audio_chunk",
			"audio_base64": b64(p),
		})
	}
	waitUntil(t, "first chunk rendering", func() { return h.renderer.PlayCount() == 1 })

	// New utterance arrives before the old one finished.
	h.backend.send(t, conn, map[string]any{"type": "ai_audio_start"})
	close(hold)
	for _, p := range [][]byte{{0xD, 0}, {0xE, 0}} {
		h.backend.send(t, conn, map[string]any{
			"type":         "ai_audio_chunk",
			"audio_base64": b64(p),
		})
	}
	h.backend.send(t, conn, map[string]any{"type": "ai_audio_complete"})

	waitUntil(t, "new utterance rendered", func() { return h.renderer.PlayCount() == 3 })
	waitState(t, h.ctrl, session.StateListening)

	played := h.renderer.Played()
	if played[1][0] != 0xD || played[2][0] != 0xE {
		t.Errorf("renders after flush = %x %x, want the new utterance only", played[1], played[2])
	}
	for _, p := range played[1:] {
		if p[0] == 0xB || p[0] == 0xC {
			t.Errorf("stale chunk %x rendered after flush", p)
		}
	}
}

// A capture device that cannot start is a fatal device error; no retry, the
// session stays idle.
func TestMicrophoneDeviceErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.capture.StartErr = errors.New("device busy")

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.backend.accept(t)
	waitState(t, h.ctrl, session.StateIdle)

	err := h.ctrl.StartMicrophone()
	var devErr *session.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("StartMicrophone error = %v, want DeviceError", err)
	}
	if got := h.ctrl.State(); got != session.StateIdle {
		t.Errorf("state after device error = %v, want idle", got)
	}
	if _, starts, _ := h.det.Calls(); starts != 0 {
		t.Error("detector started despite device error")
	}
}

// Closing the session releases the capture device and stops the detector on
// every path.
func TestCloseReleasesDevices(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.backend.accept(t)
	if err := h.ctrl.StartMicrophone(); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	waitState(t, h.ctrl, session.StateListening)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.capture.Started() {
		t.Error("capture device still held after Close")
	}
	if h.det.Listening() {
		t.Error("detector still listening after Close")
	}
	if got := h.ctrl.State(); got != session.StateDisconnected {
		t.Errorf("state after Close = %v, want disconnected", got)
	}
}
