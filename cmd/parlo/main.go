// Command parlo is a voice-conversation client for a streaming AI backend.
// It reads raw microphone audio from stdin (s16le mono at audio.capture_rate),
// streams 16 kHz frames to the backend over a duplex WebSocket, and writes
// synthesized response audio to stdout as s16le mono 16 kHz:
//
//	arecord -f S16_LE -c 1 -r 48000 | parlo -config config.yaml | aplay -f S16_LE -c 1 -r 16000
//
// Logs and transcripts go to stderr; stdout carries audio only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlo-app/parlo/internal/config"
	"github.com/parlo-app/parlo/internal/health"
	"github.com/parlo-app/parlo/internal/observe"
	"github.com/parlo-app/parlo/internal/playback"
	"github.com/parlo-app/parlo/internal/session"
	"github.com/parlo-app/parlo/pkg/audio"
	"github.com/parlo-app/parlo/pkg/speech/whisper"
	"github.com/parlo-app/parlo/pkg/vad"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	startMic := flag.Bool("mic", true, "start the microphone immediately")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlo: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlo: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlo starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.URL,
		"detector", cfg.Detector.Variant,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parlo",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Session wiring ────────────────────────────────────────────────────────
	capture := audio.NewReaderCapture(os.Stdin, cfg.Audio.CaptureRate)
	renderer := playback.NewStreamRenderer(os.Stdout)

	ctrl, err := session.New(cfg, session.Deps{
		Capture:     capture,
		Renderer:    renderer,
		NewDetector: detectorFactory(cfg),
		Logger:      logger,
	}, session.Events{
		OnState: func(s session.State) {
			slog.Info("session state", "state", s)
		},
		OnStatus: func(text string) {
			if text != "" {
				slog.Info("status", "text", text)
			}
		},
		OnTranscript: func(text string, final bool) {
			slog.Info("transcript", "text", text, "final", final)
		},
		OnResponseText: func(text string, isFirst bool) {
			slog.Info("response", "text", text, "first", isFirst)
		},
	})
	if err != nil {
		slog.Error("failed to build session", "err", err)
		return 1
	}

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}
	if *startMic {
		if err := ctrl.StartMicrophone(); err != nil {
			slog.Error("failed to start microphone", "err", err)
			ctrl.Close()
			return 1
		}
	}

	slog.Info("session ready — press Ctrl+C to stop")

	// ── Run loops ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.DebugAddr != "" {
		srv := debugServer(cfg.Server.DebugAddr, ctrl)
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		slog.Info("debug endpoint up", "addr", cfg.Server.DebugAddr)
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	slog.Info("shutdown signal received, stopping")
	if closeErr := ctrl.Close(); closeErr != nil {
		slog.Warn("session close error", "err", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// detectorFactory picks the detector implementation from config. The native
// variant needs a usable whisper.cpp model; when it cannot be loaded the
// energy detector takes over so the session still segments speech.
func detectorFactory(cfg *config.Config) func(cb vad.Callbacks) vad.Detector {
	vadCfg := vad.Config{
		SampleRate:      audio.TargetSampleRate,
		Language:        cfg.Speech.Language,
		SpeechThreshold: cfg.Detector.SpeechThreshold,
		HangoverMs:      cfg.Detector.HangoverMs,
	}

	return func(cb vad.Callbacks) vad.Detector {
		if cfg.Detector.Variant == config.DetectorNative && cfg.Speech.ModelPath != "" {
			engine, err := whisper.New(cfg.Speech.ModelPath,
				whisper.WithLanguage(cfg.Speech.Language),
				whisper.WithSampleRate(audio.TargetSampleRate),
			)
			if err == nil {
				return vad.NewNative(engine, vadCfg, cb)
			}
			slog.Warn("native detector unavailable, falling back to energy detector", "err", err)
		}
		return vad.NewEnergy(vadCfg, cb)
	}
}

// debugServer serves /metrics, /healthz and /readyz.
func debugServer(addr string, ctrl *session.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Probe{
			Name: "backend",
			Check: func(ctx context.Context) error {
				if !ctrl.Connected() {
					return errors.New("not connected")
				}
				return nil
			},
		},
		health.Probe{
			Name: "detector",
			Check: func(ctx context.Context) error {
				st := ctrl.DetectorStatus()
				if st.State == vad.StateFailed {
					return fmt.Errorf("detector failed: %v", st.LastError)
				}
				return nil
			},
		},
	).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// newLogger builds the process logger writing to stderr; stdout is reserved
// for audio output.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
