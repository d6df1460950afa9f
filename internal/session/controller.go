// Package session drives the conversation state machine. The Controller owns
// the microphone and the audio output exclusively, wires the transport,
// detector, playback queue and feedback guard together, and serializes every
// state transition.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-app/parlo/internal/config"
	"github.com/parlo-app/parlo/internal/feedback"
	"github.com/parlo-app/parlo/internal/observe"
	"github.com/parlo-app/parlo/internal/playback"
	"github.com/parlo-app/parlo/internal/transport"
	"github.com/parlo-app/parlo/pkg/audio"
	"github.com/parlo-app/parlo/pkg/vad"
)

// Timer names in the controller's arena.
const (
	timerStatusClear       = "status-clear"
	timerTranscribeTimeout = "transcribe-timeout"
)

const (
	statusClearAfter   = 5 * time.Second
	transcribeDeadline = 10 * time.Second
)

// DeviceError means the microphone could not be opened. Fatal to starting a
// session; never retried automatically.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: audio device: %v", e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Deps are the devices and factories the controller owns. The detector is
// built through a factory so the controller can hand it the callback bag.
type Deps struct {
	// Capture is the microphone. Exclusively owned by the controller from
	// StartMicrophone until StopMicrophone or Close.
	Capture audio.CaptureDevice

	// Renderer is the audio output sink. Exclusively owned by the playback
	// queue for the controller's lifetime.
	Renderer playback.Renderer

	// NewDetector builds the voice-activity detector with the controller's
	// callbacks installed.
	NewDetector func(cb vad.Callbacks) vad.Detector

	Logger *slog.Logger
}

// Events are the controller's outward-facing callbacks, typically driving a
// UI or CLI display. All fields are optional. Invoked from controller
// goroutines; must not block.
type Events struct {
	// OnState fires on every state transition.
	OnState func(s State)

	// OnStatus delivers short user-visible status text. An empty string
	// clears the status line.
	OnStatus func(text string)

	// OnTranscript delivers user-speech transcripts, interim and final.
	OnTranscript func(text string, final bool)

	// OnResponseText delivers streamed response text.
	OnResponseText func(text string, isFirst bool)

	// OnVoiceLevel delivers the smoothed input level in [0,1].
	OnVoiceLevel func(level float64)
}

// Controller is the session state machine. Create with New, then Start;
// Close releases every device and cancels every timer deterministically.
type Controller struct {
	cfg     *config.Config
	log     *slog.Logger
	events  Events
	metrics *observe.Metrics

	capture   audio.CaptureDevice
	resampler *audio.Resampler
	det       vad.Detector
	tr        *transport.Transport
	queue     *playback.Queue
	guard     *feedback.Guard
	echo      *feedback.EchoFilter
	prefs     *prefsStore
	timers    *timerArena

	mu         sync.Mutex
	ctx        context.Context
	state      State
	micRunning bool
	// utteranceDone is set by ai_audio_complete; the Speaking state ends
	// when the queue drains after it.
	utteranceDone bool
	closed        bool

	pumpWG sync.WaitGroup
}

// New wires a controller from config and devices. The transport is not
// dialed yet; call Start.
func New(cfg *config.Config, deps Deps, events Events) (*Controller, error) {
	if deps.Capture == nil || deps.Renderer == nil || deps.NewDetector == nil {
		return nil, errors.New("session: capture, renderer and detector factory are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		cfg:       cfg,
		log:       log,
		events:    events,
		metrics:   observe.DefaultMetrics(),
		capture:   deps.Capture,
		resampler: audio.NewResampler(cfg.Audio.FrameSamples),
		prefs:     newPrefsStore(cfg.Backend.AILevel, cfg.Backend.Language, ""),
		timers:    newTimerArena(),
		ctx:       context.Background(),
		state:     StateDisconnected,
	}

	c.det = deps.NewDetector(vad.Callbacks{
		OnSpeechStart:   c.onSpeechStart,
		OnSpeechEnd:     c.onSpeechEnd,
		OnInterimResult: c.onInterim,
		OnFinalResult:   c.onFinal,
		OnError:         c.onDetectorError,
		OnVoiceLevel:    c.onVoiceLevel,
	})

	c.tr = transport.New(transport.Config{
		URL:            cfg.Backend.URL,
		AuthToken:      cfg.Backend.AuthToken,
		ReconnectDelay: cfg.Backend.ReconnectDelay,
		PingInterval:   cfg.Backend.PingInterval,
	}, c.transportHandlers(), log)

	queue, err := playback.New(deps.Renderer, playback.Options{
		Codec:         playback.Codec(cfg.Audio.PlaybackCodec),
		OnStateChange: c.onPlaybackState,
		OnError:       c.onPlaybackError,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	c.queue = queue

	c.guard = feedback.NewGuard(c.det, c.tr, feedback.Options{
		Cooldown:       cfg.Feedback.Cooldown,
		RetryBackoff:   cfg.Feedback.RetryBackoff,
		HealthInterval: cfg.Feedback.HealthInterval,
		OnError:        c.onDetectorError,
		Logger:         log,
	})
	c.echo = feedback.NewEchoFilter(cfg.Feedback.EchoWindow)

	return c, nil
}

// Start dials the backend and performs the preferences handshake. ctx bounds
// the whole session including reconnects.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session: closed")
	}
	c.ctx = ctx
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.tr.Connect(ctx, c.prefs.Snapshot()); err != nil {
		c.setState(StateDisconnected)
		c.status("connection failed")
		return err
	}
	c.setState(StateIdle)
	return nil
}

// StartMicrophone opens the capture device and begins listening. Only valid
// while the session is idle; never triggered automatically.
func (c *Controller) StartMicrophone() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session: closed")
	}
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: cannot start microphone while %s", st)
	}
	if c.micRunning {
		c.mu.Unlock()
		return nil
	}
	ctx := c.ctx
	c.mu.Unlock()

	if err := c.capture.Start(ctx); err != nil {
		devErr := &DeviceError{Err: err}
		c.status("microphone unavailable")
		return devErr
	}
	if err := c.det.Initialize(ctx); err != nil {
		c.capture.Stop()
		c.status("speech detection unavailable")
		return fmt.Errorf("session: initialize detector: %w", err)
	}

	c.mu.Lock()
	c.micRunning = true
	c.resampler.Reset()
	c.mu.Unlock()

	if err := c.tr.NotifyMicrophoneStarted(c.capture.SampleRate(), 1); err != nil {
		c.log.Warn("microphone_started notification failed", "error", err)
	}

	c.pumpWG.Add(1)
	go c.pump()
	c.guard.Engage(ctx)
	c.setState(StateListening)
	return nil
}

// StopMicrophone releases the capture device and stops the detector. The
// session stays connected.
func (c *Controller) StopMicrophone() {
	c.mu.Lock()
	if !c.micRunning {
		c.mu.Unlock()
		return
	}
	c.micRunning = false
	c.mu.Unlock()

	c.guard.Disengage()
	if err := c.capture.Stop(); err != nil {
		c.log.Warn("capture stop failed", "error", err)
	}
	c.pumpWG.Wait()
	c.timers.Cancel(timerTranscribeTimeout)

	c.mu.Lock()
	connected := c.state != StateDisconnected && c.state != StateConnecting
	c.mu.Unlock()
	if connected {
		c.setState(StateIdle)
	}
}

// Close tears the session down: every timer cancelled, every device
// released, the connection closed. The controller is unusable afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	micWasRunning := c.micRunning
	c.micRunning = false
	c.mu.Unlock()

	c.timers.CancelAll()
	c.guard.Close()
	c.queue.Close()
	if micWasRunning {
		if err := c.capture.Stop(); err != nil {
			c.log.Warn("capture stop failed", "error", err)
		}
		c.pumpWG.Wait()
	}
	c.det.Stop()
	err := c.tr.Close()
	c.setState(StateDisconnected)
	return err
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the transport has a live connection.
func (c *Controller) Connected() bool { return c.tr.Connected() }

// DetectorStatus exposes the detector's health for readiness probes.
func (c *Controller) DetectorStatus() vad.Status { return c.det.Status() }

// ── Preference operations ─────────────────────────────────────────────────────

// SetLevel changes the difficulty level and announces it to the backend.
func (c *Controller) SetLevel(level string) {
	c.tr.UpdatePrefs(c.prefs.SetLevel(level))
}

// SetLanguage changes the conversation language, announces it and retunes
// the detector live.
func (c *Controller) SetLanguage(lang string) {
	c.tr.UpdatePrefs(c.prefs.SetLanguage(lang))
	c.det.UpdateConfig(vad.ConfigPatch{Language: &lang})
}

// UpdateDetectorConfig applies a live detector tuning change.
func (c *Controller) UpdateDetectorConfig(patch vad.ConfigPatch) {
	c.det.UpdateConfig(patch)
}

// SetVoice changes the synthesis voice and announces it to the backend.
func (c *Controller) SetVoice(voice string) {
	c.tr.UpdatePrefs(c.prefs.SetVoice(voice))
}

// SetLocalTTS toggles local synthesis and announces it to the backend.
func (c *Controller) SetLocalTTS(local bool) {
	c.tr.UpdatePrefs(c.prefs.SetLocalTTS(local))
}

// SetRolePlay replaces the role-play scenario and announces it.
func (c *Controller) SetRolePlay(rp transport.RolePlayState) {
	c.tr.UpdatePrefs(c.prefs.SetRolePlay(rp))
}

// SetRAGContext replaces the retrieval context and announces it.
func (c *Controller) SetRAGContext(ragCtx string) {
	c.tr.UpdatePrefs(c.prefs.SetRAGContext(ragCtx))
}

// ClearRolePlay drops the role-play scenario locally and asks the backend to
// clear it too.
func (c *Controller) ClearRolePlay() error {
	c.tr.UpdatePrefs(c.prefs.ClearRolePlay())
	return c.tr.ClearRolePlay()
}

// RequestRolePlayState asks the backend for its current role-play state; the
// answer arrives as a role_play_updated event and is adopted.
func (c *Controller) RequestRolePlayState() error {
	return c.tr.RequestRolePlayState()
}

// ── Capture path ──────────────────────────────────────────────────────────────

// pump moves captured samples through the resampler into the detector and
// the transport. Runs until the capture channel closes; never blocks on
// network I/O because SendFrame drops instead of stalling.
func (c *Controller) pump() {
	defer c.pumpWG.Done()

	rate := c.capture.SampleRate()
	for block := range c.capture.Samples() {
		for _, f := range c.resampler.Push(block.Samples, rate) {
			c.det.ProcessFrame(f)
			if err := c.tr.SendFrame(f); err != nil && !errors.Is(err, transport.ErrNotConnected) {
				c.log.Debug("frame send failed", "error", err)
			}
		}
	}
}

// ── Detector callbacks ────────────────────────────────────────────────────────

func (c *Controller) onSpeechStart() {
	c.status("listening")
}

func (c *Controller) onSpeechEnd() {
	c.timers.Arm(timerTranscribeTimeout, transcribeDeadline, c.transcribeTimedOut)
}

func (c *Controller) onInterim(text string, _ float64) {
	if c.events.OnTranscript != nil {
		c.events.OnTranscript(text, false)
	}
	c.transition(StateListening, StateTranscribing)
	c.timers.Arm(timerTranscribeTimeout, transcribeDeadline, c.transcribeTimedOut)
}

func (c *Controller) onFinal(text string, _ float64) {
	if c.echo.IsEcho(text) {
		c.log.Debug("discarding self-echo transcript", "text", text)
		return
	}
	c.metrics.RecordSegment(context.Background(), c.det.Status().Variant)
	if c.events.OnTranscript != nil {
		c.events.OnTranscript(text, true)
	}
	c.timers.Cancel(timerTranscribeTimeout)
	c.toWaitingForResponse()
}

func (c *Controller) onDetectorError(err error) {
	c.log.Warn("detector error", "error", err)
	c.status("speech detection degraded")
}

func (c *Controller) onVoiceLevel(level float64, _ audio.LevelSource) {
	if c.events.OnVoiceLevel != nil {
		c.events.OnVoiceLevel(level)
	}
}

// transcribeTimedOut returns a stalled Transcribing state to Listening when
// no final arrives.
func (c *Controller) transcribeTimedOut() {
	c.transition(StateTranscribing, StateListening)
}

// ── Transport handlers ────────────────────────────────────────────────────────

func (c *Controller) transportHandlers() transport.Handlers {
	return transport.Handlers{
		OnConnected:    c.onConnected,
		OnDisconnected: c.onDisconnected,

		OnAudioStart:    c.onAudioStart,
		OnAudioChunk:    c.onAudioChunk,
		OnAudioComplete: c.onAudioComplete,
		OnStopAudio:     c.onStopAudio,

		OnFinalTranscript:   c.onBackendFinal,
		OnInterimTranscript: c.onBackendInterim,
		OnTextChunk:         c.onTextChunk,
		OnText:              c.onText,

		OnBackendError:    c.onBackendError,
		OnLevelChanged:    c.onLevelChanged,
		OnRolePlayUpdated: c.onRolePlayUpdated,
		OnRolePlayCleared: c.onRolePlayCleared,
	}
}

func (c *Controller) onConnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	reconnected := c.state == StateDisconnected
	c.mu.Unlock()

	if reconnected {
		c.setState(StateIdle)
		c.status("reconnected")
	}
}

func (c *Controller) onDisconnected(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	micWasRunning := c.micRunning
	c.micRunning = false
	c.mu.Unlock()

	c.log.Warn("connection lost", "error", err)
	if micWasRunning {
		c.guard.Disengage()
		if stopErr := c.capture.Stop(); stopErr != nil {
			c.log.Warn("capture stop failed", "error", stopErr)
		}
	}
	c.queue.FlushAll()
	c.setState(StateDisconnected)
	c.status("connection lost, reconnecting")
}

// onAudioStart begins a new synthesized utterance. Anything still queued or
// rendering belongs to a stale utterance and is discarded first.
func (c *Controller) onAudioStart() {
	c.queue.FlushAll()
	c.mu.Lock()
	c.utteranceDone = false
	c.mu.Unlock()
	c.setState(StateSpeaking)
}

func (c *Controller) onAudioChunk(audioBase64, text string) {
	c.echo.NotePlayed(text)
	c.queue.Enqueue(playback.Chunk{AudioBase64: audioBase64, Text: text})
}

func (c *Controller) onAudioComplete() {
	c.mu.Lock()
	c.utteranceDone = true
	c.mu.Unlock()

	// An utterance with no chunks produces no playback state change, so the
	// drain check has to run here too.
	if !c.queue.Playing() && c.queue.Pending() == 0 {
		c.finishSpeaking()
	}
}

func (c *Controller) onStopAudio() {
	c.queue.FlushAll()
	c.finishSpeaking()
}

func (c *Controller) onBackendFinal(text string) {
	if c.echo.IsEcho(text) {
		c.log.Debug("discarding self-echo transcript", "text", text)
		return
	}
	if c.events.OnTranscript != nil {
		c.events.OnTranscript(text, true)
	}
	c.timers.Cancel(timerTranscribeTimeout)
	c.toWaitingForResponse()
}

func (c *Controller) onBackendInterim(text string) {
	if c.events.OnTranscript != nil {
		c.events.OnTranscript(text, false)
	}
	c.transition(StateListening, StateTranscribing)
	c.timers.Arm(timerTranscribeTimeout, transcribeDeadline, c.transcribeTimedOut)
}

func (c *Controller) onTextChunk(text string, isFirst bool) {
	if c.events.OnResponseText != nil {
		c.events.OnResponseText(text, isFirst)
	}
}

func (c *Controller) onText(text string) {
	if c.events.OnResponseText != nil {
		c.events.OnResponseText(text, true)
	}
}

func (c *Controller) onBackendError(err *transport.BackendError) {
	c.log.Warn("backend error", "message", err.Message)
	c.status(err.Message)
}

func (c *Controller) onLevelChanged(level string) {
	c.prefs.AdoptLevel(level)
	c.status("level changed to " + level)
}

func (c *Controller) onRolePlayUpdated(state transport.RolePlayState) {
	c.prefs.AdoptRolePlay(state)
}

func (c *Controller) onRolePlayCleared(success bool, message string) {
	if !success {
		c.status("role-play clear failed: " + message)
		return
	}
	c.status("role-play cleared")
}

// ── Playback callbacks ────────────────────────────────────────────────────────

// onPlaybackState is the queue's idle<->playing transition. The guard sees it
// first so the mute always covers the rendering interval.
func (c *Controller) onPlaybackState(playing bool) {
	c.guard.OnPlaybackState(playing)
	if playing {
		c.setState(StateSpeaking)
		return
	}

	c.mu.Lock()
	done := c.utteranceDone
	c.mu.Unlock()
	if done {
		c.finishSpeaking()
	}
}

func (c *Controller) onPlaybackError(err error) {
	c.log.Warn("playback error", "error", err)
	c.status("playback error")
}

// finishSpeaking leaves the Speaking state once the utterance has fully
// drained. The guard's cooldown still delays the actual detector resume.
func (c *Controller) finishSpeaking() {
	c.mu.Lock()
	if c.state != StateSpeaking {
		c.mu.Unlock()
		return
	}
	c.utteranceDone = false
	next := StateIdle
	if c.micRunning {
		next = StateListening
	}
	c.state = next
	c.mu.Unlock()

	c.fireState(next)
}

// ── State helpers ─────────────────────────────────────────────────────────────

// toWaitingForResponse moves out of Listening/Transcribing after a final
// segment, unless response audio is already rendering.
func (c *Controller) toWaitingForResponse() {
	c.mu.Lock()
	if (c.state != StateListening && c.state != StateTranscribing) || c.queue.Playing() {
		c.mu.Unlock()
		return
	}
	c.state = StateWaitingForResponse
	c.mu.Unlock()

	c.fireState(StateWaitingForResponse)
}

// transition moves from exactly one state to another, ignoring the call when
// the current state differs.
func (c *Controller) transition(from, to State) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.fireState(to)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.fireState(s)
}

func (c *Controller) fireState(s State) {
	c.log.Debug("session state", "state", s)
	if c.events.OnState != nil {
		c.events.OnState(s)
	}
}

// status publishes short user-visible text and schedules its clearing.
func (c *Controller) status(text string) {
	if c.events.OnStatus == nil {
		return
	}
	c.events.OnStatus(text)
	c.timers.Arm(timerStatusClear, statusClearAfter, func() {
		c.events.OnStatus("")
	})
}
