package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/parlo-app/parlo/internal/config"
)

const minimalYAML = `
backend:
  url: wss://api.example.com/v1/stream
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Backend.ReconnectDelay != 3*time.Second {
		t.Errorf("default reconnect delay = %v, want 3s", cfg.Backend.ReconnectDelay)
	}
	if cfg.Backend.PingInterval != 15*time.Second {
		t.Errorf("default ping interval = %v, want 15s", cfg.Backend.PingInterval)
	}
	if cfg.Audio.FrameSamples != 480 {
		t.Errorf("default frame samples = %d, want 480", cfg.Audio.FrameSamples)
	}
	if cfg.Audio.PlaybackCodec != config.CodecPCM16 {
		t.Errorf("default playback codec = %q, want pcm16", cfg.Audio.PlaybackCodec)
	}
	if cfg.Detector.Variant != config.DetectorNative {
		t.Errorf("default detector variant = %q, want native", cfg.Detector.Variant)
	}
	if cfg.Feedback.Cooldown != 1500*time.Millisecond {
		t.Errorf("default cooldown = %v, want 1.5s", cfg.Feedback.Cooldown)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yaml := minimalYAML + "\nbogus_section:\n  key: value\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	yaml := `
backend:
  url: http://not-a-websocket
audio:
  playback_codec: mp3
detector:
  variant: silero
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"backend.url", "audio.playback_codec", "detector.variant"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing mention of %s", msg, want)
		}
	}
}

func TestValidateRequiresBackendURL(t *testing.T) {
	if _, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: debug\n")); err == nil {
		t.Fatal("expected error for missing backend.url")
	}
}

func TestLoadFromReaderFullConfig(t *testing.T) {
	yaml := `
server:
  debug_addr: 127.0.0.1:9090
  log_level: debug
backend:
  url: wss://api.example.com/v1/stream
  auth_token: secret
  language: de
  ai_level: b2
  reconnect_delay: 5s
  ping_interval: 20s
audio:
  frame_samples: 320
  playback_codec: opus
detector:
  variant: energy
  speech_threshold: 0.4
  hangover_ms: 800
speech:
  model_path: /models/ggml-base.bin
  language: de
feedback:
  cooldown: 2s
  retry_backoff: 3s
  health_interval: 15s
  echo_window: 5s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Backend.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay = %v, want 5s", cfg.Backend.ReconnectDelay)
	}
	if cfg.Audio.PlaybackCodec != config.CodecOpus {
		t.Errorf("playback codec = %q, want opus", cfg.Audio.PlaybackCodec)
	}
	if cfg.Detector.SpeechThreshold != 0.4 {
		t.Errorf("speech threshold = %f, want 0.4", cfg.Detector.SpeechThreshold)
	}
	if cfg.Feedback.EchoWindow != 5*time.Second {
		t.Errorf("echo window = %v, want 5s", cfg.Feedback.EchoWindow)
	}
}
