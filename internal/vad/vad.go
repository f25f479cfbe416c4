// Package vad finds spans of speech in normalized mono audio.
package vad

import (
	"context"
	"errors"
	"math"
	"sort"
)

// ErrSileroUnavailable is returned when the binary was built without the silero tag
var ErrSileroUnavailable = errors.New("silero VAD support not compiled in (build with -tags silero)")

// Segment is a span of speech in seconds from the first analysed sample
type Segment struct {
	Start float64
	End   float64
}

// Duration returns the segment length in seconds
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Params configures one detection call. Values are forwarded to the detector
// as given.
type Params struct {
	SampleRate   int
	Threshold    float64 // Speech probability needed to open a span
	NegThreshold float64 // Probability below which a span may close; 0 means Threshold-0.15
	MinSpeechMs  int     // Spans shorter than this are dropped
	MaxSpeechS   float64 // Longer spans are split; 0 or +Inf means unbounded
	MinSilenceMs int     // Silence required to close a span
	SpeechPadMs  int     // Padding added on both sides of each span
}

// EffectiveNegThreshold resolves the closing threshold
func (p Params) EffectiveNegThreshold() float64 {
	if p.NegThreshold > 0 {
		return p.NegThreshold
	}
	return math.Max(p.Threshold-0.15, 0.01)
}

// MaxSpeechBounded reports whether long spans should be split
func (p Params) MaxSpeechBounded() bool {
	return p.MaxSpeechS > 0 && !math.IsInf(p.MaxSpeechS, 1)
}

// Detector is the voice activity detection capability. Detect returns
// segments ordered by start time. A segment still open at the end of the
// input ends at the input duration.
type Detector interface {
	Detect(ctx context.Context, samples []float32, params Params) ([]Segment, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(ctx context.Context, samples []float32, params Params) ([]Segment, error)

// Detect calls f
func (f DetectorFunc) Detect(ctx context.Context, samples []float32, params Params) ([]Segment, error) {
	return f(ctx, samples, params)
}

// span is a segment in samples before padding
type span struct {
	start, end int
}

// pad widens spans by padSamples, splitting gaps narrower than two pads
// evenly, and converts to seconds
func pad(spans []span, padSamples, total, rate int) []Segment {
	out := make([]Segment, len(spans))
	for i := range spans {
		s := spans[i]
		if i == 0 {
			s.start = max(0, s.start-padSamples)
		}
		if i < len(spans)-1 {
			gap := spans[i+1].start - s.end
			if gap < 2*padSamples {
				s.end += gap / 2
				spans[i+1].start = max(0, spans[i+1].start-gap/2)
			} else {
				s.end = min(total, s.end+padSamples)
				spans[i+1].start = max(0, spans[i+1].start-padSamples)
			}
		} else {
			s.end = min(total, s.end+padSamples)
		}
		out[i] = Segment{
			Start: float64(s.start) / float64(rate),
			End:   float64(s.end) / float64(rate),
		}
	}
	return out
}

// sortSegments orders segments by start, keeping detector order for ties
func sortSegments(segs []Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
}

// splitLong cuts a segment into consecutive pieces no longer than MaxSpeechS
func splitLong(seg Segment, params Params) []Segment {
	if !params.MaxSpeechBounded() || seg.Duration() <= params.MaxSpeechS {
		return []Segment{seg}
	}
	var out []Segment
	for start := seg.Start; start < seg.End; start += params.MaxSpeechS {
		out = append(out, Segment{Start: start, End: math.Min(start+params.MaxSpeechS, seg.End)})
	}
	return out
}
