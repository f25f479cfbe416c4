package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/dispatch"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/segmenter"
	"github.com/lexiqai/speech-relay/internal/server"
	"github.com/lexiqai/speech-relay/internal/stt"
	"github.com/lexiqai/speech-relay/internal/transcript"
	"github.com/lexiqai/speech-relay/internal/transport"
	"github.com/lexiqai/speech-relay/internal/vad"
)

func main() {
	// Load configuration
	cfg, err := config.LoadReceiver()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr; stdout carries transcripts
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty, logFileOptions(cfg.ObservabilityConfig))
	logger := observability.GetLogger()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("vad_backend", cfg.VADConfig.Backend).
		Str("asr_backend", cfg.ASRConfig.Backend).
		Str("transcript_sink", cfg.TranscriptSink).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech relay receiver starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Receiver failed")
	}
	logger.Info().Msg("Receiver exited gracefully")
}

func run(ctx context.Context, cfg *config.ReceiverConfig, logger zerolog.Logger) error {
	detector, closeDetector, err := newDetector(cfg)
	if err != nil {
		return err
	}
	defer closeDetector()

	asr, err := newTranscriber(cfg)
	if err != nil {
		return err
	}

	buf := audio.NewRollingBuffer(cfg.SampleWidth)
	queue := transcript.NewQueue()

	dispatcher := dispatch.New(asr, queue, dispatch.Config{
		RetryMaxAttempts:    cfg.ASRConfig.RetryMaxAttempts,
		RetryInitialBackoff: cfg.ASRConfig.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.ASRConfig.RetryMaxBackoff,
		BreakerMaxFailures:  cfg.ASRConfig.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.ASRConfig.CircuitBreakerResetTimeout,
	}, logger)

	scheduler := segmenter.New(segmenter.Config{
		SampleRate:         cfg.SampleRate,
		SampleWidth:        cfg.SampleWidth,
		MinAnalysisSamples: cfg.MinAnalysisSamples,
		PollInterval:       cfg.PollInterval,
		FinishedMargin:     cfg.FinishedMargin,
		MaxBufferSeconds:   cfg.MaxBufferSeconds,
		WakeOnAppend:       cfg.WakeOnAppend,
		VAD: vad.Params{
			SampleRate:   cfg.SampleRate,
			Threshold:    cfg.VADConfig.Threshold,
			NegThreshold: cfg.VADConfig.NegThreshold,
			MinSpeechMs:  cfg.VADConfig.MinSpeechMs,
			MaxSpeechS:   cfg.VADConfig.MaxSpeechS,
			MinSilenceMs: cfg.VADConfig.MinSilenceMs,
			SpeechPadMs:  cfg.VADConfig.SpeechPadMs,
		},
	}, buf, detector, dispatcher, logger)

	receiver := transport.NewReceiver(transport.ReceiverConfig{
		Addr:          cfg.ListenAddr,
		MaxFrameBytes: cfg.MaxFrameBytes,
	}, buf, logger)
	ln, err := receiver.Listen()
	if err != nil {
		return err
	}

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler("speech-relay-receiver"))
	mux.HandleFunc("/ready", observability.ReadinessHandler("speech-relay-receiver", map[string]observability.HealthCheckFunc{
		"asr": dispatcher.Ready,
		"audio_listener": func(ctx context.Context) (bool, error) {
			return receiver.Addr() != nil, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}
	if cfg.TranscriptSink == "websocket" {
		mux.Handle("/transcripts", server.NewTranscriptHandler(queue, logger))
		logger.Info().
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/transcripts", cfg.HTTPPort)).
			Msg("Transcripts served over WebSocket")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(receiver.Serve(ctx, ln))
	})
	g.Go(func() error {
		err := scheduler.Run(ctx)
		queue.Close()
		return ignoreCanceled(err)
	})
	if cfg.TranscriptSink == "stdout" {
		// Drains until the scheduler closes the queue, so late results still print
		g.Go(func() error {
			return transcript.WriteTo(context.WithoutCancel(ctx), queue, os.Stdout)
		})
	}
	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down receiver...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newDetector(cfg *config.ReceiverConfig) (vad.Detector, func(), error) {
	switch cfg.VADConfig.Backend {
	case "silero":
		d, err := vad.NewSileroDetector(cfg.VADConfig.SileroModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("silero VAD: %w", err)
		}
		return d, func() { d.Close() }, nil
	default:
		return vad.NewEnergyDetector(vad.DefaultEnergyConfig()), func() {}, nil
	}
}

func newTranscriber(cfg *config.ReceiverConfig) (stt.Transcriber, error) {
	switch cfg.ASRConfig.Backend {
	case "deepgram":
		return stt.NewDeepgramTranscriber(stt.DeepgramConfig{
			APIKey:     cfg.ASRConfig.DeepgramAPIKey,
			Model:      cfg.ASRConfig.DeepgramModel,
			Language:   cfg.ASRConfig.Language,
			SampleRate: cfg.SampleRate,
		})
	default:
		return stt.NewWhisperTranscriber(cfg.ASRConfig.WhisperURL, cfg.SampleRate,
			stt.WithLanguage(cfg.ASRConfig.Language),
			stt.WithBeamSize(cfg.ASRConfig.BeamSize),
			stt.WithTimeout(cfg.ASRConfig.WhisperTimeout),
		)
	}
}

func logFileOptions(cfg config.ObservabilityConfig) *observability.LogFileOptions {
	if cfg.LogFile == "" {
		return nil
	}
	return &observability.LogFileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAgeDays: cfg.LogFileMaxAgeDays,
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
