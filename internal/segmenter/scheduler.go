// Package segmenter turns the rolling buffer into finished speech segments.
//
// Every pass snapshots the whole buffer and runs the detector over it from
// scratch. A segment is finished once at least FinishedMargin seconds of audio
// follow its end, since more audio could still extend it. Finished segments
// are dispatched in start order, skipping any that end at or before the
// furthest end seen so far (the watermark), and the buffer is then trimmed to
// the watermark so the next pass starts at time zero again.
package segmenter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/vad"
)

// Segment is a finished span of speech cut from one buffer snapshot
type Segment struct {
	// Start and End are seconds from the snapshot origin
	Start float64
	End   float64

	// StartSample and EndSample bound Samples within the snapshot, end exclusive
	StartSample int
	EndSample   int

	Samples []float32

	// Forced is set when the segment was flushed by the buffer ceiling
	// rather than by the finished margin
	Forced bool
}

// Dispatcher receives finished segments in order
type Dispatcher interface {
	Dispatch(ctx context.Context, seg Segment) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, seg Segment) error

// Dispatch calls f
func (f DispatcherFunc) Dispatch(ctx context.Context, seg Segment) error {
	return f(ctx, seg)
}

// Config holds scheduler settings
type Config struct {
	SampleRate  int
	SampleWidth int

	MinAnalysisSamples int           // Smaller snapshots are skipped
	PollInterval       time.Duration // Time between passes
	FinishedMargin     float64       // Seconds of audio required after a segment's end
	MaxBufferSeconds   float64       // Force-flush ceiling; 0 disables
	WakeOnAppend       bool          // Also run a pass when audio arrives

	VAD vad.Params
}

// Outcome classifies a pass
type Outcome string

const (
	OutcomeShort      Outcome = "short"      // Below the minimum analysis window
	OutcomeIdle       Outcome = "idle"       // Nothing finished yet
	OutcomeDispatched Outcome = "dispatched" // Finished segments handled and buffer trimmed
	OutcomeVADError   Outcome = "vad_error"  // Detector failed; buffer untouched
	OutcomeForced     Outcome = "forced"     // Ceiling reached; oldest audio flushed
)

// PassResult describes what one pass did
type PassResult struct {
	Outcome      Outcome
	Duration     float64 // Snapshot length in seconds
	Detected     int
	Finished     int
	Dispatched   int
	Duplicates   int
	TrimmedBytes int
	Err          error
}

// Scheduler runs segmentation passes over a RollingBuffer
type Scheduler struct {
	cfg        Config
	buf        *audio.RollingBuffer
	detector   vad.Detector
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// New creates a scheduler
func New(cfg Config, buf *audio.RollingBuffer, detector vad.Detector, dispatcher Dispatcher, logger zerolog.Logger) *Scheduler {
	if cfg.SampleWidth <= 0 {
		cfg.SampleWidth = buf.SampleWidth()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = cfg.SampleRate
	}
	return &Scheduler{
		cfg:        cfg,
		buf:        buf,
		detector:   detector,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "segmenter").Logger(),
	}
}

// Run executes passes until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if s.cfg.WakeOnAppend {
		wake = s.buf.Notify()
	}

	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Float64("finished_margin", s.cfg.FinishedMargin).
		Float64("max_buffer_seconds", s.cfg.MaxBufferSeconds).
		Msg("Segmentation scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Segmentation scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
		s.Pass(ctx)
	}
}

// IsFinished reports whether a segment ending at end is stable in a snapshot
// of the given duration
func IsFinished(end, duration, margin float64) bool {
	return end <= duration-margin
}

// sampleIndex converts seconds to a sample index clamped to [0, n]
func (s *Scheduler) sampleIndex(sec float64, n int) int {
	i := int(sec * float64(s.cfg.SampleRate))
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// Pass runs one segmentation pass
func (s *Scheduler) Pass(ctx context.Context) PassResult {
	snap := s.buf.Snapshot()
	observability.SetBufferBytes(len(snap))

	if len(snap) < s.cfg.MinAnalysisSamples*s.cfg.SampleWidth || len(snap) == 0 {
		return s.finish(PassResult{Outcome: OutcomeShort})
	}

	samples, err := audio.PCM16ToFloat32(snap)
	if err != nil {
		// The buffer only holds whole samples; this is a programming error.
		s.logger.Error().Err(err).Int("bytes", len(snap)).Msg("Buffer snapshot is not whole samples")
		return s.finish(PassResult{Outcome: OutcomeVADError, Err: err})
	}
	duration := audio.Duration(len(samples), s.cfg.SampleRate)

	start := time.Now()
	segs, err := s.detector.Detect(ctx, samples, s.cfg.VAD)
	observability.ObserveVAD(time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).Float64("buffer_seconds", duration).Msg("VAD failed, retrying next pass")
		observability.RecordError("vad_failure", "segmenter")
		return s.finish(PassResult{Outcome: OutcomeVADError, Duration: duration, Err: err})
	}

	sorted := make([]vad.Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var finished []vad.Segment
	for _, seg := range sorted {
		if IsFinished(seg.End, duration, s.cfg.FinishedMargin) {
			finished = append(finished, seg)
		}
	}

	result := PassResult{
		Duration: duration,
		Detected: len(sorted),
		Finished: len(finished),
	}
	observability.RecordSegments("finished", len(finished))
	observability.RecordSegments("pending", len(sorted)-len(finished))

	if len(finished) == 0 {
		if s.cfg.MaxBufferSeconds > 0 && duration >= s.cfg.MaxBufferSeconds {
			return s.forceFlush(ctx, samples, sorted, result)
		}
		result.Outcome = OutcomeIdle
		return s.finish(result)
	}

	watermark := 0.0
	for _, seg := range finished {
		if seg.End <= watermark {
			result.Duplicates++
			s.logger.Debug().
				Float64("start", seg.Start).
				Float64("end", seg.End).
				Float64("watermark", watermark).
				Msg("Skipping segment already covered this pass")
			continue
		}
		if s.dispatch(ctx, samples, seg, false) {
			result.Dispatched++
		}
		watermark = seg.End
	}
	observability.RecordSegments("duplicate", result.Duplicates)

	// The watermark is the furthest end dispatched or covered this pass.
	result.TrimmedBytes = s.trim(s.sampleIndex(watermark, len(samples)))
	result.Outcome = OutcomeDispatched
	return s.finish(result)
}

// forceFlush handles a snapshot past the ceiling with nothing finished. The
// oldest detected segment is dispatched as is and trimmed through; with no
// speech at all everything but the trailing margin is dropped.
func (s *Scheduler) forceFlush(ctx context.Context, samples []float32, sorted []vad.Segment, result PassResult) PassResult {
	result.Outcome = OutcomeForced

	if len(sorted) == 0 {
		keepFrom := s.sampleIndex(result.Duration-s.cfg.FinishedMargin, len(samples))
		result.TrimmedBytes = s.trim(keepFrom)
		s.logger.Info().
			Float64("buffer_seconds", result.Duration).
			Int("trimmed_bytes", result.TrimmedBytes).
			Msg("Buffer ceiling reached without speech, dropped silence")
		return s.finish(result)
	}

	oldest := sorted[0]
	if oldest.End > result.Duration {
		oldest.End = result.Duration
	}
	s.logger.Warn().
		Float64("buffer_seconds", result.Duration).
		Float64("start", oldest.Start).
		Float64("end", oldest.End).
		Msg("Buffer ceiling reached, force-flushing oldest segment")

	if s.dispatch(ctx, samples, oldest, true) {
		result.Dispatched++
	}
	result.TrimmedBytes = s.trim(s.sampleIndex(oldest.End, len(samples)))
	return s.finish(result)
}

// dispatch slices [start, end) out of the snapshot and hands it on
func (s *Scheduler) dispatch(ctx context.Context, samples []float32, seg vad.Segment, forced bool) bool {
	from := s.sampleIndex(seg.Start, len(samples))
	to := s.sampleIndex(seg.End, len(samples))
	if to <= from {
		s.logger.Debug().Float64("start", seg.Start).Float64("end", seg.End).Msg("Skipping empty segment")
		return false
	}

	out := Segment{
		Start:       seg.Start,
		End:         seg.End,
		StartSample: from,
		EndSample:   to,
		Samples:     samples[from:to],
		Forced:      forced,
	}

	s.logger.Info().
		Float64("start", seg.Start).
		Float64("end", seg.End).
		Bool("forced", forced).
		Msg("Dispatching speech segment")

	if err := s.dispatcher.Dispatch(ctx, out); err != nil {
		s.logger.Error().Err(err).
			Float64("start", seg.Start).
			Float64("end", seg.End).
			Msg("Segment dispatch failed")
		observability.RecordError("dispatch_failure", "segmenter")
		return false
	}
	observability.RecordSegments("dispatched", 1)
	return true
}

// trim removes the first n samples from the buffer and returns the bytes removed
func (s *Scheduler) trim(n int) int {
	bytes := n * s.cfg.SampleWidth
	if bytes <= 0 {
		return 0
	}
	if err := s.buf.TrimPrefix(bytes); err != nil {
		// Only the scheduler trims, so the snapshot prefix must still be there.
		s.logger.Error().Err(err).Int("bytes", bytes).Msg("Buffer trim failed")
		observability.RecordError("trim_failure", "segmenter")
		return 0
	}
	observability.RecordTrim(bytes)
	return bytes
}

func (s *Scheduler) finish(r PassResult) PassResult {
	observability.RecordPass(string(r.Outcome))
	if r.Outcome != OutcomeShort && r.Outcome != OutcomeIdle {
		s.logger.Debug().
			Str("outcome", string(r.Outcome)).
			Float64("buffer_seconds", r.Duration).
			Int("detected", r.Detected).
			Int("finished", r.Finished).
			Int("dispatched", r.Dispatched).
			Int("trimmed_bytes", r.TrimmedBytes).
			Msg("Segmentation pass")
	}
	return r
}

// String renders a pass for logs and test failures
func (r PassResult) String() string {
	return fmt.Sprintf("%s: duration=%.3fs detected=%d finished=%d dispatched=%d duplicates=%d trimmed=%d",
		r.Outcome, r.Duration, r.Detected, r.Finished, r.Dispatched, r.Duplicates, r.TrimmedBytes)
}
