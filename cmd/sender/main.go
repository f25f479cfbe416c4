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

	"github.com/lexiqai/speech-relay/internal/capture"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
	"github.com/lexiqai/speech-relay/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.LoadSender()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var logFile *observability.LogFileOptions
	if cfg.LogFile != "" {
		logFile = &observability.LogFileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogFileMaxMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAgeDays: cfg.LogFileMaxAgeDays,
		}
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty, logFile)
	logger := observability.GetLogger()

	logger.Info().
		Str("dest_addr", cfg.DestAddr).
		Str("capture_source", cfg.CaptureSource).
		Int("chunk_samples", cfg.ChunkSamples).
		Int("sample_rate", cfg.SampleRate).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech relay sender starting")

	source, err := capture.Open(capture.Options{
		Kind:         cfg.CaptureSource,
		Path:         cfg.CapturePath,
		ToneHz:       cfg.CaptureToneHz,
		SampleRate:   cfg.SampleRate,
		SampleWidth:  cfg.SampleWidth,
		ChunkSamples: cfg.ChunkSamples,
		Paced:        cfg.CapturePaced,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open capture source")
	}
	defer source.Close()

	sender := transport.NewSender(transport.SenderConfig{
		Addr: cfg.DestAddr,
		Backoff: resilience.BackoffConfig{
			Initial:    cfg.ReconnectInitial,
			Max:        cfg.ReconnectMax,
			Multiplier: cfg.ReconnectMultiplier,
		},
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, source, logger)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler("speech-relay-sender"))
	mux.HandleFunc("/ready", observability.ReadinessHandler("speech-relay-sender", map[string]observability.HealthCheckFunc{
		"receiver": func(ctx context.Context) (bool, error) {
			if !sender.Connected() {
				return false, fmt.Errorf("not connected to %s", cfg.DestAddr)
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sender.Run(ctx)

	logger.Info().Msg("Shutting down sender...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("HTTP server forced to shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Sender failed")
	}
	logger.Info().Msg("Sender exited gracefully")
}
