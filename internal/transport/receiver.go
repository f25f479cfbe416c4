package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/framing"
	"github.com/lexiqai/speech-relay/internal/observability"
)

// ReceiverConfig holds receiver settings
type ReceiverConfig struct {
	Addr string

	// MaxFrameBytes bounds an accepted length prefix; 0 disables the check
	MaxFrameBytes int
}

// Receiver accepts one sender at a time and appends its payloads to the
// rolling buffer. Payload boundaries carry no meaning; a payload with an odd
// trailing byte has that byte joined to the next payload on the same
// connection.
type Receiver struct {
	config ReceiverConfig
	buf    *audio.RollingBuffer
	logger zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewReceiver creates a receiver writing into buf
func NewReceiver(cfg ReceiverConfig, buf *audio.RollingBuffer, logger zerolog.Logger) *Receiver {
	return &Receiver{
		config: cfg,
		buf:    buf,
		logger: logger.With().Str("component", "receiver").Logger(),
	}
}

// Listen binds the configured address. Addr reports it from here on.
func (r *Receiver) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", r.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", r.config.Addr, err)
	}
	r.setListener(ln)
	return ln, nil
}

func (r *Receiver) setListener(ln net.Listener) {
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
}

// ListenAndServe binds the configured address and serves until ctx ends
func (r *Receiver) ListenAndServe(ctx context.Context) error {
	ln, err := r.Listen()
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Addr returns the bound address once listening
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve accepts connections on ln and handles them one at a time. Further
// senders wait in the listen backlog until the current one disconnects.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	r.setListener(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	r.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening for audio")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Accept failed")
			observability.RecordError("accept_failure", "receiver")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.handle(ctx, conn)
	}
}

// handle reads frames until the sender goes away
func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	logger := observability.WithConnectionID(r.logger, "").
		With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	metrics := observability.NewConnectionMetrics("receiver")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		frames, bytes := metrics.Totals()
		logger.Info().
			Int64("frames", frames).
			Int64("bytes", bytes).
			Dur("duration", metrics.End()).
			Msg("Sender disconnected")
	}()

	logger.Info().Msg("Sender connected")

	width := r.buf.SampleWidth()
	var carry []byte

	for {
		payload, err := framing.ReadFrame(conn, r.config.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, framing.ErrFrameTooLarge):
				logger.Error().Err(err).Msg("Rejecting sender")
				observability.RecordError("frame_too_large", "receiver")
			case ctx.Err() != nil:
			default:
				logger.Warn().Err(err).Msg("Read failed")
				observability.RecordError("read_failure", "receiver")
			}
			if len(carry) > 0 {
				logger.Debug().Int("bytes", len(carry)).Msg("Discarding partial sample")
			}
			return
		}
		metrics.RecordFrame("received", len(payload))

		if len(carry) > 0 {
			payload = append(carry, payload...)
			carry = nil
		}
		if rem := len(payload) % width; rem != 0 {
			carry = append([]byte(nil), payload[len(payload)-rem:]...)
			payload = payload[:len(payload)-rem]
		}

		if err := r.buf.Append(payload); err != nil {
			logger.Error().Err(err).Msg("Buffer append failed")
			return
		}
	}
}
