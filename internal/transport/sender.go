// Package transport moves framed PCM from the capture side to the receiver
// over a single TCP stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/capture"
	"github.com/lexiqai/speech-relay/internal/framing"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

var errPeerClosed = errors.New("receiver closed the connection")

// DialFunc opens a connection to addr
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// SenderConfig holds sender settings
type SenderConfig struct {
	Addr         string
	Backoff      resilience.BackoffConfig
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// QueueFrames is how many captured frames may wait for the socket
	QueueFrames int
}

// Sender streams frames from a capture source to the receiver, reconnecting
// with capped exponential backoff whenever the connection is lost. Frames
// captured while disconnected are dropped.
type Sender struct {
	config SenderConfig
	source capture.Source
	logger zerolog.Logger
	dial   DialFunc
	sleep  resilience.SleepFunc

	connected atomic.Bool
	sourceErr error

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SenderOption customizes a Sender
type SenderOption func(*Sender)

// WithSleep replaces the backoff sleep
func WithSleep(fn resilience.SleepFunc) SenderOption {
	return func(s *Sender) { s.sleep = fn }
}

// WithDialer replaces the TCP dialer
func WithDialer(fn DialFunc) SenderOption {
	return func(s *Sender) { s.dial = fn }
}

// NewSender creates a sender for source
func NewSender(cfg SenderConfig, source capture.Source, logger zerolog.Logger, opts ...SenderOption) *Sender {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = resilience.DefaultBackoffConfig()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 16
	}

	s := &Sender{
		config: cfg,
		source: source,
		logger: logger.With().Str("component", "sender").Str("dest_addr", cfg.Addr).Logger(),
		sleep:  resilience.Sleep,
	}
	s.dial = s.dialTCP
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: s.config.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Run streams until the source is exhausted, ctx ends or Stop is called.
// It returns nil when the source ended cleanly. The source is closed on
// return.
func (s *Sender) Run(ctx context.Context) error {
	defer s.closeSource()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	frames := make(chan []byte, s.config.QueueFrames)
	go s.pump(ctx, frames)

	backoff := resilience.NewBackoff(s.config.Backoff)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dial(ctx, s.config.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := backoff.Next()
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Connect failed")
			observability.RecordReconnect(delay)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		err = s.stream(ctx, conn, frames)
		if errors.Is(err, io.EOF) {
			s.logger.Info().Msg("Capture source finished")
			return s.sourceErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Next()
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Connection lost")
		observability.RecordReconnect(delay)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Stop ends a running Run and closes the capture source, releasing a read
// blocked on the device
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.closeSource()
}

func (s *Sender) closeSource() {
	s.closeOnce.Do(func() {
		if err := s.source.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Closing capture source")
		}
	})
}

// Connected reports whether a connection is currently up
func (s *Sender) Connected() bool {
	return s.connected.Load()
}

// pump reads the source and forwards frames without ever blocking on the
// network. The channel is closed when the source ends.
func (s *Sender) pump(ctx context.Context, frames chan<- []byte) {
	defer close(frames)
	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Capture failed")
				observability.RecordError("capture_failure", "sender")
				s.sourceErr = fmt.Errorf("capture: %w", err)
			}
			return
		}

		if !s.connected.Load() {
			observability.RecordDroppedFrame(len(frame))
			continue
		}
		select {
		case frames <- frame:
		default:
			observability.RecordDroppedFrame(len(frame))
		}
	}
}

// stream writes frames to conn until the connection fails or the source ends.
// It returns io.EOF when the source is exhausted.
func (s *Sender) stream(ctx context.Context, conn net.Conn, frames <-chan []byte) error {
	logger := observability.WithConnectionID(s.logger, "")
	metrics := observability.NewConnectionMetrics("sender")
	defer func() {
		s.connected.Store(false)
		conn.Close()
		sent, bytes := metrics.Totals()
		logger.Info().
			Int64("frames", sent).
			Int64("bytes", bytes).
			Dur("duration", metrics.End()).
			Msg("Connection closed")
	}()

	// Frames queued before this connection are stale.
	for drained := false; !drained; {
		select {
		case frame, ok := <-frames:
			if !ok {
				return io.EOF
			}
			observability.RecordDroppedFrame(len(frame))
		default:
			drained = true
		}
	}

	// The receiver never writes, so a read only returns when it goes away.
	closed := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(closed)
	}()

	s.connected.Store(true)
	logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connected to receiver")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return errPeerClosed
		case frame, ok := <-frames:
			if !ok {
				return io.EOF
			}
			if s.config.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			if err := framing.WriteFrame(conn, frame); err != nil {
				return err
			}
			metrics.RecordFrame("sent", len(frame))
		}
	}
}
