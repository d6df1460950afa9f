// Package config provides the configuration schema and loader for the Parlo
// voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DetectorVariant selects the voice-activity detector implementation.
type DetectorVariant string

const (
	// DetectorNative uses the continuous speech-recognition engine and
	// provides local interim/final transcripts.
	DetectorNative DetectorVariant = "native"

	// DetectorEnergy uses self-contained signal analysis. No local
	// transcripts; the backend transcribes from the streamed audio.
	DetectorEnergy DetectorVariant = "energy"
)

// IsValid reports whether v is a recognised detector variant.
func (v DetectorVariant) IsValid() bool {
	return v == DetectorNative || v == DetectorEnergy
}

// PlaybackCodec selects how inbound synthesized-speech chunks are encoded.
type PlaybackCodec string

const (
	CodecPCM16 PlaybackCodec = "pcm16"
	CodecOpus  PlaybackCodec = "opus"
)

// IsValid reports whether c is a recognised playback codec.
func (c PlaybackCodec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Config is the root configuration structure for Parlo. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Audio    AudioConfig    `yaml:"audio"`
	Detector DetectorConfig `yaml:"detector"`
	Speech   SpeechConfig   `yaml:"speech"`
	Feedback FeedbackConfig `yaml:"feedback"`
}

// ServerConfig holds the local debug endpoint and logging settings.
type ServerConfig struct {
	// DebugAddr is the TCP address for the /metrics and health endpoints
	// (e.g., "127.0.0.1:9090"). Empty disables the debug server.
	DebugAddr string `yaml:"debug_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig describes the conversation backend connection.
type BackendConfig struct {
	// URL is the WebSocket endpoint of the conversation backend
	// (e.g., "wss://api.example.com/v1/stream").
	URL string `yaml:"url"`

	// AuthToken is sent as a Bearer token on the WebSocket handshake, if set.
	AuthToken string `yaml:"auth_token"`

	// Language is the BCP-47 tag announced in the preferences handshake.
	Language string `yaml:"language"`

	// AILevel is the difficulty/verbosity level announced in the handshake.
	AILevel string `yaml:"ai_level"`

	// ReconnectDelay is the fixed wait before reconnecting after an
	// unexpected disconnect. Defaults to 3s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// PingInterval is the keep-alive ping period. Defaults to 15s.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// AudioConfig holds capture and playback settings.
type AudioConfig struct {
	// CaptureRate is the microphone's native sample rate in Hz; input is
	// converted down to the 16 kHz transport rate. Defaults to 48000.
	CaptureRate int `yaml:"capture_rate"`

	// FrameSamples is the transport frame size in samples at 16 kHz.
	// Defaults to 480 (30 ms).
	FrameSamples int `yaml:"frame_samples"`

	// PlaybackCodec selects the inbound chunk encoding.
	PlaybackCodec PlaybackCodec `yaml:"playback_codec"`
}

// DetectorConfig holds voice-activity detection settings.
type DetectorConfig struct {
	// Variant selects the detector implementation. When "native" is selected
	// but no recognition engine is usable, Parlo falls back to "energy".
	Variant DetectorVariant `yaml:"variant"`

	// SpeechThreshold is the energy detector's voiced-score threshold
	// in (0, 1]. Defaults to 0.3.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// HangoverMs is how long silence must persist before a speech segment
	// ends. Defaults to 600.
	HangoverMs int `yaml:"hangover_ms"`
}

// SpeechConfig configures the local recognition engine backing the native
// detector.
type SpeechConfig struct {
	// ModelPath is the whisper.cpp model file. Required when
	// detector.variant is "native".
	ModelPath string `yaml:"model_path"`

	// Language is the recognition language tag. Empty auto-detects.
	Language string `yaml:"language"`
}

// FeedbackConfig holds acoustic-feedback prevention settings.
type FeedbackConfig struct {
	// Cooldown is how long after playback ends before listening resumes,
	// covering the speaker's reverberation tail. Defaults to 1.5s.
	Cooldown time.Duration `yaml:"cooldown"`

	// RetryBackoff is the wait before the single detector restart retry
	// after a failed resume. Defaults to 2s.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// HealthInterval is the period of the listening health check.
	// Defaults to 10s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// EchoWindow is how long after a chunk plays that matching transcripts
	// are treated as self-echo. Defaults to 4s.
	EchoWindow time.Duration `yaml:"echo_window"`
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Backend.ReconnectDelay <= 0 {
		c.Backend.ReconnectDelay = 3 * time.Second
	}
	if c.Backend.PingInterval <= 0 {
		c.Backend.PingInterval = 15 * time.Second
	}
	if c.Audio.CaptureRate <= 0 {
		c.Audio.CaptureRate = 48000
	}
	if c.Audio.FrameSamples <= 0 {
		c.Audio.FrameSamples = 480
	}
	if c.Audio.PlaybackCodec == "" {
		c.Audio.PlaybackCodec = CodecPCM16
	}
	if c.Detector.Variant == "" {
		c.Detector.Variant = DetectorNative
	}
	if c.Detector.SpeechThreshold <= 0 {
		c.Detector.SpeechThreshold = 0.3
	}
	if c.Detector.HangoverMs <= 0 {
		c.Detector.HangoverMs = 600
	}
	if c.Feedback.Cooldown <= 0 {
		c.Feedback.Cooldown = 1500 * time.Millisecond
	}
	if c.Feedback.RetryBackoff <= 0 {
		c.Feedback.RetryBackoff = 2 * time.Second
	}
	if c.Feedback.HealthInterval <= 0 {
		c.Feedback.HealthInterval = 10 * time.Second
	}
	if c.Feedback.EchoWindow <= 0 {
		c.Feedback.EchoWindow = 4 * time.Second
	}
}
