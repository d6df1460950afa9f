package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if !strings.HasPrefix(cfg.Backend.URL, "ws://") && !strings.HasPrefix(cfg.Backend.URL, "wss://") {
		errs = append(errs, fmt.Errorf("backend.url %q must use the ws:// or wss:// scheme", cfg.Backend.URL))
	}

	if !cfg.Audio.PlaybackCodec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback_codec %q is invalid; valid values: pcm16, opus", cfg.Audio.PlaybackCodec))
	}
	if cfg.Audio.FrameSamples < 160 || cfg.Audio.FrameSamples > 1600 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d is out of range [160, 1600]", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.CaptureRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is below the 8000 Hz minimum", cfg.Audio.CaptureRate))
	}

	if !cfg.Detector.Variant.IsValid() {
		errs = append(errs, fmt.Errorf("detector.variant %q is invalid; valid values: native, energy", cfg.Detector.Variant))
	}
	if cfg.Detector.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.speech_threshold %.2f is out of range (0, 1]", cfg.Detector.SpeechThreshold))
	}

	if cfg.Detector.Variant == DetectorNative && cfg.Speech.ModelPath == "" {
		slog.Warn("detector.variant is native but speech.model_path is not set; falling back to the energy detector at startup")
	}

	return errors.Join(errs...)
}
