package observability

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger zerolog.Logger
	initialized  bool
)

// LogFileOptions configures an optional rotating log file
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLogger initializes the global structured logger.
// Logs go to stderr so stdout stays free for transcript output.
func InitLogger(level string, pretty bool, file *LogFileOptions) {
	if initialized {
		return
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	var console io.Writer = os.Stderr
	if pretty {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	out := console
	if file != nil && file.Path != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		})
	}

	globalLogger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = globalLogger

	initialized = true
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	if !initialized {
		InitLogger("info", false, nil)
	}
	return globalLogger
}

// WithConnectionID creates a logger scoped to one network connection.
// An empty id is replaced with a fresh one.
func WithConnectionID(parent zerolog.Logger, connectionID string) zerolog.Logger {
	if connectionID == "" {
		connectionID = NewCorrelationID()
	}
	return parent.With().Str("connection_id", connectionID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
