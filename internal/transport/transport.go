// Package transport owns the duplex WebSocket connection to the conversation
// backend: binary PCM frames outbound, JSON control messages both ways.
//
// Connection lifecycle: Connect dials and performs the preferences handshake
// before any audio flows. On unexpected close the transport schedules exactly
// one reconnect after a fixed delay; a newer trigger replaces the pending
// timer rather than adding a second one, and intentional Close cancels it.
//
// The keep-alive ping is advisory: a pong that never arrives does not tear
// the connection down. Liveness is detected by read failures instead.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/coder/websocket"

	"github.com/parlo-app/parlo/internal/observe"
	"github.com/parlo-app/parlo/pkg/audio"
)

// prefsDebounce coalesces rapid preference updates before sending. The
// trailing edge always fires, so the final state is guaranteed to go out.
const prefsDebounce = 150 * time.Millisecond

// Config holds the transport's connection parameters.
type Config struct {
	// URL is the backend WebSocket endpoint.
	URL string

	// AuthToken, if set, is sent as a Bearer token on the handshake.
	AuthToken string

	// ReconnectDelay is the fixed wait before a reconnect attempt.
	ReconnectDelay time.Duration

	// PingInterval is the keep-alive period.
	PingInterval time.Duration
}

// Transport is the WebSocket client. Safe for concurrent use. Create with
// [New], then Connect once; reconnects are handled internally until Close.
type Transport struct {
	cfg      Config
	handlers Handlers
	log      *slog.Logger
	metrics  *observe.Metrics

	debouncePrefs func(func())

	mu         sync.Mutex
	ctx        context.Context // session lifetime, set by Connect
	conn       *conn           // nil while disconnected
	prefs      Prefs
	forwarding bool
	closed     bool

	// reconnectTimer is the single pending reconnect. Replacing it goes
	// through scheduleReconnect, which stops the old timer first.
	reconnectTimer *time.Timer
}

// conn is one live WebSocket connection with its own lifetime.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// frames buffers outbound audio for the write loop. Created per
	// connection so frames captured before a disconnect are not replayed
	// into the next connection.
	frames chan []byte

	writeMu sync.Mutex
}

// New creates a Transport. Handlers may be partially populated.
func New(cfg Config, h Handlers, log *slog.Logger) *Transport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:           cfg,
		handlers:      h,
		log:           log,
		metrics:       observe.DefaultMetrics(),
		debouncePrefs: debounce.New(prefsDebounce),
		forwarding:    true,
	}
}

// Connect dials the backend and performs the preferences handshake. The
// context bounds the whole session including reconnects; cancelling it is
// equivalent to Close.
func (t *Transport) Connect(ctx context.Context, prefs Prefs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.ctx = ctx
	t.prefs = prefs
	return t.connectLocked()
}

// connectLocked dials and starts the connection goroutines. Caller holds mu.
func (t *Transport) connectLocked() error {
	hdr := http.Header{}
	if t.cfg.AuthToken != "" {
		hdr.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	ws, _, err := websocket.Dial(t.ctx, t.cfg.URL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}

	cctx, cancel := context.WithCancel(t.ctx)
	c := &conn{
		ws:     ws,
		ctx:    cctx,
		cancel: cancel,
		frames: make(chan []byte, 64),
	}

	// The preferences handshake must complete before any audio flows.
	if err := c.writeJSON(prefsMessage(t.prefs)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return &ConnectionError{Op: "handshake", Err: err}
	}

	t.conn = c
	t.metrics.ActiveSessions.Add(t.ctx, 1)

	go t.readLoop(c)
	go t.writeLoop(c)
	go t.pingLoop(c)

	if t.handlers.OnConnected != nil {
		go t.handlers.OnConnected()
	}
	return nil
}

// Connected reports whether a backend connection is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SetCaptureForwarding gates outbound audio. While disabled, SendFrame drops
// frames silently; control messages still flow. Used by the feedback guard
// during playback.
func (t *Transport) SetCaptureForwarding(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwarding = enabled
}

// SendFrame queues one audio frame for transmission. Frames are sent as
// opaque binary messages in the order queued. Returns ErrNotConnected while
// disconnected; such frames are not retried.
func (t *Transport) SendFrame(f audio.Frame) error {
	t.mu.Lock()
	c := t.conn
	forwarding := t.forwarding
	t.mu.Unlock()

	if !forwarding {
		return nil
	}
	if c == nil {
		return ErrNotConnected
	}

	select {
	case c.frames <- f.PCM:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		// Backend is not draining; dropping is better than stalling the
		// capture path.
		t.log.Warn("outbound frame buffer full, dropping frame")
		return nil
	}
}

// UpdatePrefs replaces the preference set and sends it, debounced. Rapid
// successive updates coalesce into one message carrying the final state.
func (t *Transport) UpdatePrefs(p Prefs) {
	t.mu.Lock()
	t.prefs = p
	t.mu.Unlock()

	t.debouncePrefs(func() {
		t.mu.Lock()
		c := t.conn
		current := t.prefs
		t.mu.Unlock()
		if c == nil {
			// A reconnect handshake will carry the latest prefs.
			return
		}
		if err := c.writeJSON(prefsMessage(current)); err != nil {
			t.log.Warn("sending client_prefs failed", "error", err)
		}
	})
}

// Prefs returns the current preference set.
func (t *Transport) Prefs() Prefs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prefs
}

// NotifyMicrophoneStarted announces capture start to the backend.
func (t *Transport) NotifyMicrophoneStarted(sampleRate, channels int) error {
	return t.sendJSON(microphoneStartedMessage{
		Type:       "microphone_started",
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// ClearRolePlay asks the backend to drop the active role-play scenario.
func (t *Transport) ClearRolePlay() error {
	return t.sendJSON(typeOnlyMessage{Type: "clear_roleplay"})
}

// RequestRolePlayState asks the backend to report the active role-play
// scenario; the answer arrives as a role_play_updated event.
func (t *Transport) RequestRolePlayState() error {
	return t.sendJSON(typeOnlyMessage{Type: "get_roleplay_state"})
}

// Close tears the session down intentionally: the pending reconnect (if any)
// is cancelled and the connection is closed with a normal closure.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c != nil {
		t.metrics.ActiveSessions.Add(context.Background(), -1)
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

func (t *Transport) sendJSON(v any) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.writeJSON(v); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// writeLoop drains the frame buffer onto the wire, preserving order.
func (t *Transport) writeLoop(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case pcm := <-c.frames:
			c.writeMu.Lock()
			err := c.ws.Write(c.ctx, websocket.MessageBinary, pcm)
			c.writeMu.Unlock()
			if err != nil {
				if c.ctx.Err() == nil {
					t.log.Debug("binary write failed", "error", err)
				}
				return
			}
			t.metrics.FramesSent.Add(c.ctx, 1)
		}
	}
}

// pingLoop sends the advisory keep-alive. No pong bookkeeping: a missing
// pong never disconnects.
func (t *Transport) pingLoop(c *conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(typeOnlyMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// readLoop reads and dispatches inbound messages until the connection dies.
func (t *Transport) readLoop(c *conn) {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			t.handleDisconnect(c, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			perr := &ProtocolError{Err: err}
			t.log.Warn("dropping inbound message", "error", perr)
			t.metrics.ProtocolErrors.Add(c.ctx, 1)
			continue
		}
		t.dispatch(&evt)
	}
}

// dispatch routes one inbound event. Unknown types fall through silently.
func (t *Transport) dispatch(evt *serverEvent) {
	h := t.handlers
	switch evt.Type {
	case "ai_text_chunk":
		if h.OnTextChunk != nil {
			h.OnTextChunk(evt.Text, evt.IsFirstChunk)
		}
	case "ai_text":
		if h.OnText != nil {
			h.OnText(evt.Text)
		}
	case "ai_audio_start":
		if h.OnAudioStart != nil {
			h.OnAudioStart()
		}
	case "ai_audio_chunk":
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(evt.AudioBase64, evt.Text)
		}
	case "ai_audio_complete":
		if h.OnAudioComplete != nil {
			h.OnAudioComplete()
		}
	case "final_transcript":
		if h.OnFinalTranscript != nil {
			h.OnFinalTranscript(evt.Text)
		}
	case "interim_transcript":
		if h.OnInterimTranscript != nil {
			h.OnInterimTranscript(evt.Text)
		}
	case "stop_audio":
		if h.OnStopAudio != nil {
			h.OnStopAudio()
		}
	case "error":
		if h.OnBackendError != nil {
			h.OnBackendError(&BackendError{Message: evt.Message})
		}
	case "level_changed":
		if h.OnLevelChanged != nil {
			h.OnLevelChanged(evt.Level)
		}
	case "role_play_updated":
		if h.OnRolePlayUpdated != nil {
			h.OnRolePlayUpdated(RolePlayState{
				Enabled:             evt.Enabled,
				Template:            evt.Template,
				OrganizationName:    evt.OrganizationName,
				RoleTitle:           evt.RoleTitle,
				OrganizationDetails: evt.OrganizationDetails,
			})
		}
	case "role_play_cleared":
		if h.OnRolePlayCleared != nil {
			h.OnRolePlayCleared(evt.Success, evt.Message)
		}
	case "pong":
		// Advisory liveness only.
	}
}

// handleDisconnect tears down the dead connection and schedules the single
// reconnect, unless the teardown was intentional.
func (t *Transport) handleDisconnect(c *conn, cause error) {
	t.mu.Lock()
	if t.conn != c {
		// Already replaced or closed; nothing to do.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	intentional := t.closed || t.ctx.Err() != nil
	t.mu.Unlock()

	t.metrics.ActiveSessions.Add(context.Background(), -1)
	c.cancel()
	c.ws.Close(websocket.StatusGoingAway, "read failed")

	if intentional {
		return
	}

	err := &ConnectionError{Op: "read", Err: fmt.Errorf("%w: %v", ErrTransientDisconnect, cause)}
	t.log.Warn("backend connection lost, scheduling reconnect",
		"delay", t.cfg.ReconnectDelay, "error", cause)
	if t.handlers.OnDisconnected != nil {
		t.handlers.OnDisconnected(err)
	}
	t.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer. At most one timer is pending:
// a newer schedule replaces the old one instead of stacking.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	t.reconnectTimer = time.AfterFunc(t.cfg.ReconnectDelay, t.reconnect)
}

// reconnect runs on timer expiry and attempts one dial. Failure schedules
// the next attempt through the same single-timer path.
func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.closed || t.conn != nil {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	t.metrics.Reconnects.Add(t.ctx, 1)
	err := t.connectLocked()
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("reconnect failed, retrying", "delay", t.cfg.ReconnectDelay, "error", err)
		t.scheduleReconnect()
	}
}
