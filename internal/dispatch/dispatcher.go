// Package dispatch sends finished speech segments to the ASR backend and
// queues the formatted transcription.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
	"github.com/lexiqai/speech-relay/internal/segmenter"
	"github.com/lexiqai/speech-relay/internal/stt"
	"github.com/lexiqai/speech-relay/internal/transcript"
)

// Config holds dispatcher settings
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Sleep replaces the retry backoff sleep in tests
	Sleep resilience.SleepFunc
}

// Dispatcher transcribes segments one at a time, in the order the scheduler
// hands them over
type Dispatcher struct {
	asr            stt.Transcriber
	queue          *transcript.Queue
	config         Config
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
	now            func() time.Time
}

// New creates a dispatcher that pushes results to queue
func New(asr stt.Transcriber, queue *transcript.Queue, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 5 * time.Second
	}
	if cfg.BreakerMaxFailures < 1 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		asr:    asr,
		queue:  queue,
		config: cfg,
		logger: logger.With().Str("component", "dispatch").Str("backend", asr.Name()).Logger(),
		now:    time.Now,
	}
	d.circuitBreaker = resilience.NewCircuitBreaker(asr.Name(), cfg.BreakerMaxFailures, cfg.BreakerResetTimeout,
		resilience.WithStateChangeHook(func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
			d.logger.Warn().Str("state", state.String()).Msg("ASR circuit breaker state changed")
		}))
	return d
}

// Dispatch transcribes one segment and queues the formatted block. Every
// segment produces exactly one queued result, even when nothing was
// recognized. On failure nothing is queued and the error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, seg segmenter.Segment) error {
	segs, err := d.transcribe(ctx, seg.Samples)
	if err != nil {
		return fmt.Errorf("transcribe segment %.2fs-%.2fs: %w", seg.Start, seg.End, err)
	}

	result := transcript.Result{
		ID:           uuid.New().String(),
		Text:         transcript.Format(segs),
		SegmentStart: seg.Start,
		SegmentEnd:   seg.End,
		Backend:      d.asr.Name(),
		CreatedAt:    d.now(),
	}

	if err := d.queue.Push(result); err != nil {
		return fmt.Errorf("queue transcription: %w", err)
	}

	d.logger.Debug().
		Str("result_id", result.ID).
		Int("sub_segments", len(segs)).
		Float64("start", seg.Start).
		Float64("end", seg.End).
		Msg("Queued transcription")
	return nil
}

// transcribe runs the ASR call under the circuit breaker with retries inside
func (d *Dispatcher) transcribe(ctx context.Context, samples []float32) ([]stt.Segment, error) {
	var segs []stt.Segment
	start := time.Now()

	err := d.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       d.config.RetryMaxAttempts,
			InitialBackoff:    d.config.RetryInitialBackoff,
			MaxBackoff:        d.config.RetryMaxBackoff,
			BackoffMultiplier: 2.0,
			Sleep:             d.config.Sleep,
		}

		attempt := 0
		return resilience.Retry(ctx, func(ctx context.Context) error {
			attempt++
			out, err := d.asr.Transcribe(ctx, samples)
			if err != nil {
				d.logger.Warn().Err(err).Int("attempt", attempt).Msg("ASR request failed")
				return err
			}
			segs = out
			return nil
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.ObserveASR(time.Since(start), err == nil)
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(d.asr.Name())
		}
		observability.RecordError("asr_failure", "dispatch")
		return nil, err
	}
	return segs, nil
}

// Ready reports whether the ASR backend is accepting requests
func (d *Dispatcher) Ready(ctx context.Context) (bool, error) {
	if state := d.circuitBreaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("%s: %w", d.asr.Name(), resilience.ErrCircuitOpen)
	}
	return true, nil
}
