package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AudioConfig describes the PCM stream. It is a deployment convention shared by
// sender and receiver and is never negotiated on the wire.
type AudioConfig struct {
	SampleRate  int `envconfig:"SAMPLE_RATE" default:"16000"` // Samples per second
	SampleWidth int `envconfig:"SAMPLE_WIDTH" default:"2"`    // Bytes per sample (s16le only)
	Channels    int `envconfig:"CHANNELS" default:"1"`        // Mono only
}

// ObservabilityConfig holds logging and metrics options
type ObservabilityConfig struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`         // Log level: debug, info, warn, error
	LogPretty         bool   `envconfig:"LOG_PRETTY" default:"false"`       // Pretty print logs (for development)
	LogFile           string `envconfig:"LOG_FILE" default:""`              // Optional rotating log file
	LogFileMaxMB      int    `envconfig:"LOG_FILE_MAX_MB" default:"100"`    // Size before rotation
	LogFileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" default:"3"` // Rotated files kept
	LogFileMaxAgeDays int    `envconfig:"LOG_FILE_MAX_AGE_DAYS" default:"7"`
	MetricsEnabled    bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	HTTPPort          string `envconfig:"HTTP_PORT" default:"8080"`       // Health, readiness and metrics
}

// SenderConfig holds all configuration for the audio sender
type SenderConfig struct {
	AudioConfig
	ObservabilityConfig

	DestAddr     string `envconfig:"SENDER_DEST_ADDR" default:"127.0.0.1:5006"` // Receiver host:port
	ChunkSamples int    `envconfig:"CHUNK_SAMPLES" default:"512"`               // Samples per frame

	// Capture source
	CaptureSource string  `envconfig:"CAPTURE_SOURCE" default:"stdin"` // stdin, file, tone
	CapturePath   string  `envconfig:"CAPTURE_PATH" default:""`        // Raw s16le or WAV file for CAPTURE_SOURCE=file
	CaptureToneHz float64 `envconfig:"CAPTURE_TONE_HZ" default:"440"`  // Frequency for CAPTURE_SOURCE=tone
	CapturePaced  bool    `envconfig:"CAPTURE_PACED" default:"true"`   // Deliver frames at real time

	// Reconnection
	ReconnectInitial    time.Duration `envconfig:"RECONNECT_INITIAL" default:"1s"`
	ReconnectMax        time.Duration `envconfig:"RECONNECT_MAX" default:"10s"`
	ReconnectMultiplier float64       `envconfig:"RECONNECT_MULTIPLIER" default:"2"`
	DialTimeout         time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	WriteTimeout        time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
}

// VADConfig is passed through to the voice activity detector unchanged
type VADConfig struct {
	Backend         string  `envconfig:"VAD_BACKEND" default:"energy"`     // energy, silero
	Threshold       float64 `envconfig:"VAD_THRESHOLD" default:"0.5"`      // Speech probability threshold
	NegThreshold    float64 `envconfig:"VAD_NEG_THRESHOLD" default:"0"`    // 0 means threshold - 0.15
	MinSpeechMs     int     `envconfig:"VAD_MIN_SPEECH_MS" default:"0"`    // Shorter spans are dropped
	MaxSpeechS      float64 `envconfig:"VAD_MAX_SPEECH_S" default:"0"`     // 0 means unbounded
	MinSilenceMs    int     `envconfig:"VAD_MIN_SILENCE_MS" default:"500"` // Silence needed to close a span
	SpeechPadMs     int     `envconfig:"VAD_SPEECH_PAD_MS" default:"40"`   // Padding on both sides of a span
	SileroModelPath string  `envconfig:"SILERO_MODEL_PATH" default:"silero_vad.onnx"`
}

// ASRConfig selects and configures the transcription backend
type ASRConfig struct {
	Backend        string        `envconfig:"ASR_BACKEND" default:"whisper"` // whisper, deepgram
	Language       string        `envconfig:"ASR_LANGUAGE" default:"en"`
	BeamSize       int           `envconfig:"ASR_BEAM_SIZE" default:"5"`
	WhisperURL     string        `envconfig:"WHISPER_URL" default:"http://127.0.0.1:8081"` // whisper.cpp server
	WhisperTimeout time.Duration `envconfig:"WHISPER_TIMEOUT" default:"30s"`
	DeepgramAPIKey string        `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string        `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	RetryMaxAttempts           int           `envconfig:"ASR_RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        time.Duration `envconfig:"ASR_RETRY_INITIAL_BACKOFF" default:"200ms"`
	RetryMaxBackoff            time.Duration `envconfig:"ASR_RETRY_MAX_BACKOFF" default:"5s"`
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`    // Failures before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"` // Wait before attempting recovery
}

// ReceiverConfig holds all configuration for the receiver node
type ReceiverConfig struct {
	AudioConfig
	ObservabilityConfig

	ListenAddr    string `envconfig:"RECEIVER_LISTEN_ADDR" default:"0.0.0.0:5006"`
	MaxFrameBytes int    `envconfig:"MAX_FRAME_BYTES" default:"1048576"` // 0 disables the check

	// Segmentation
	MinAnalysisSamples int           `envconfig:"MIN_ANALYSIS_SAMPLES" default:"512"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"100ms"`
	FinishedMargin     float64       `envconfig:"FINISHED_MARGIN" default:"0.5"`  // Seconds of trailing audio required
	MaxBufferSeconds   float64       `envconfig:"MAX_BUFFER_SECONDS" default:"0"` // 0 disables force-flush
	WakeOnAppend       bool          `envconfig:"SCHEDULER_WAKE_ON_APPEND" default:"false"`

	VADConfig
	ASRConfig

	TranscriptSink string `envconfig:"TRANSCRIPT_SINK" default:"stdout"` // stdout, websocket
}

// LoadSender reads sender configuration from .env (if present) and the environment
func LoadSender() (*SenderConfig, error) {
	_ = godotenv.Load()
	return LoadSenderFromEnv()
}

// LoadSenderFromEnv reads sender configuration from the environment only
func LoadSenderFromEnv() (*SenderConfig, error) {
	var cfg SenderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadReceiver reads receiver configuration from .env (if present) and the environment
func LoadReceiver() (*ReceiverConfig, error) {
	_ = godotenv.Load()
	return LoadReceiverFromEnv()
}

// LoadReceiverFromEnv reads receiver configuration from the environment only
// (useful for containerized deployments)
func LoadReceiverFromEnv() (*ReceiverConfig, error) {
	var cfg ReceiverConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the audio format
func (a AudioConfig) Validate() error {
	if a.SampleWidth != 2 {
		return fmt.Errorf("SAMPLE_WIDTH must be 2, got %d", a.SampleWidth)
	}
	if a.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("CHANNELS must be 1 (mono), got %d", a.Channels)
	}
	return nil
}

// BytesPerSecond returns the byte rate of the stream
func (a AudioConfig) BytesPerSecond() int {
	return a.SampleRate * a.SampleWidth * a.Channels
}

// Validate checks sender configuration
func (c *SenderConfig) Validate() error {
	if err := c.AudioConfig.Validate(); err != nil {
		return err
	}
	if c.DestAddr == "" {
		return fmt.Errorf("SENDER_DEST_ADDR is required")
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("CHUNK_SAMPLES must be positive, got %d", c.ChunkSamples)
	}
	switch c.CaptureSource {
	case "stdin", "tone":
	case "file":
		if c.CapturePath == "" {
			return fmt.Errorf("CAPTURE_PATH is required when CAPTURE_SOURCE=file")
		}
	default:
		return fmt.Errorf("unknown CAPTURE_SOURCE %q", c.CaptureSource)
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("invalid reconnect backoff: initial=%v max=%v", c.ReconnectInitial, c.ReconnectMax)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be >= 1, got %v", c.ReconnectMultiplier)
	}
	return nil
}

// Validate checks receiver configuration
func (c *ReceiverConfig) Validate() error {
	if err := c.AudioConfig.Validate(); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("RECEIVER_LISTEN_ADDR is required")
	}
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.PollInterval)
	}
	if c.FinishedMargin < 0 {
		return fmt.Errorf("FINISHED_MARGIN must not be negative, got %v", c.FinishedMargin)
	}
	if c.MaxBufferSeconds < 0 {
		return fmt.Errorf("MAX_BUFFER_SECONDS must not be negative, got %v", c.MaxBufferSeconds)
	}
	if c.MaxBufferSeconds > 0 && c.MaxBufferSeconds <= c.FinishedMargin {
		return fmt.Errorf("MAX_BUFFER_SECONDS must exceed FINISHED_MARGIN")
	}
	if c.VADConfig.Threshold <= 0 || c.VADConfig.Threshold > 1 {
		return fmt.Errorf("VAD_THRESHOLD must be in (0, 1], got %v", c.VADConfig.Threshold)
	}
	switch c.VADConfig.Backend {
	case "energy", "silero":
	default:
		return fmt.Errorf("unknown VAD_BACKEND %q", c.VADConfig.Backend)
	}
	switch c.ASRConfig.Backend {
	case "whisper":
		if c.ASRConfig.WhisperURL == "" {
			return fmt.Errorf("WHISPER_URL is required when ASR_BACKEND=whisper")
		}
	case "deepgram":
		if c.ASRConfig.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when ASR_BACKEND=deepgram")
		}
	default:
		return fmt.Errorf("unknown ASR_BACKEND %q", c.ASRConfig.Backend)
	}
	switch c.TranscriptSink {
	case "stdout", "websocket":
	default:
		return fmt.Errorf("unknown TRANSCRIPT_SINK %q", c.TranscriptSink)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
