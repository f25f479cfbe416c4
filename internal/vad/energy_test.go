package vad

import (
	"context"
	"math"
	"testing"
)

const testRate = 16000

type part struct {
	seconds   float64
	amplitude float32
}

// signal builds a square-ish test signal: each part alternates +a/-a so the
// RMS equals the amplitude.
func signal(parts ...part) []float32 {
	var out []float32
	for _, p := range parts {
		n := int(p.seconds * testRate)
		for i := 0; i < n; i++ {
			v := p.amplitude
			if i%2 == 1 {
				v = -v
			}
			out = append(out, v)
		}
	}
	return out
}

func defaultParams() Params {
	return Params{
		SampleRate:   testRate,
		Threshold:    0.5,
		MinSilenceMs: 500,
		SpeechPadMs:  40,
	}
}

func TestEnergyDetector_SingleSegment(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.2, 0}, part{0.8, 0.5}, part{1.0, 0})

	segs, err := d.Detect(context.Background(), samples, defaultParams())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d: %v", len(segs), segs)
	}
	if segs[0].Start < 0.1 || segs[0].Start > 0.2 {
		t.Errorf("Expected start near 0.2s (with padding), got %.3f", segs[0].Start)
	}
	if segs[0].End < 1.0 || segs[0].End > 1.1 {
		t.Errorf("Expected end near 1.0s (with padding), got %.3f", segs[0].End)
	}
}

func TestEnergyDetector_Silence(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	segs, err := d.Detect(context.Background(), signal(part{2.0, 0.001}), defaultParams())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("Expected no segments in silence, got %v", segs)
	}
}

func TestEnergyDetector_OpenSegmentEndsAtDuration(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.5, 0}, part{1.0, 0.5}, part{0.2, 0})
	duration := float64(len(samples)) / testRate

	segs, err := d.Detect(context.Background(), samples, defaultParams())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %v", segs)
	}
	if math.Abs(segs[0].End-duration) > 1e-9 {
		t.Errorf("Expected open segment to end at duration %.3f, got %.3f", duration, segs[0].End)
	}
}

func TestEnergyDetector_ShortGapMerges(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.2, 0}, part{0.5, 0.5}, part{0.2, 0}, part{0.5, 0.5}, part{1.5, 0})

	segs, err := d.Detect(context.Background(), samples, defaultParams())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("Expected gap shorter than min silence to merge, got %v", segs)
	}
}

func TestEnergyDetector_TwoSegmentsOrdered(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.2, 0}, part{0.5, 0.5}, part{1.0, 0}, part{0.5, 0.5}, part{1.5, 0})

	segs, err := d.Detect(context.Background(), samples, defaultParams())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %v", segs)
	}
	if segs[0].End > segs[1].Start {
		t.Errorf("Expected non-overlapping ordered segments, got %v", segs)
	}
}

func TestEnergyDetector_MinSpeechDropsBlips(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.5, 0}, part{0.05, 0.5}, part{1.5, 0})

	params := defaultParams()
	params.MinSpeechMs = 250

	segs, err := d.Detect(context.Background(), samples, params)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("Expected short blip dropped, got %v", segs)
	}
}

func TestEnergyDetector_MaxSpeechSplits(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	samples := signal(part{0.1, 0}, part{3.0, 0.5}, part{1.0, 0})

	params := defaultParams()
	params.MaxSpeechS = 1.0

	segs, err := d.Detect(context.Background(), samples, params)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(segs) < 3 {
		t.Fatalf("Expected long span split into at least 3 pieces, got %v", segs)
	}
	for _, s := range segs {
		if s.Duration() > 1.0+1e-9 {
			t.Errorf("Expected piece no longer than 1.0s, got %.3f", s.Duration())
		}
	}
}

func TestEnergyDetector_InvalidParams(t *testing.T) {
	d := NewEnergyDetector(EnergyConfig{})

	if _, err := d.Detect(context.Background(), nil, Params{Threshold: 0.5}); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := d.Detect(context.Background(), nil, Params{SampleRate: testRate, Threshold: 0}); err == nil {
		t.Error("Expected error for zero threshold")
	}
}

func TestEnergyDetector_ContextCancelled(t *testing.T) {
	d := NewEnergyDetector(DefaultEnergyConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Detect(ctx, signal(part{1.0, 0.5}), defaultParams()); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestParams_EffectiveNegThreshold(t *testing.T) {
	if got := (Params{Threshold: 0.5}).EffectiveNegThreshold(); math.Abs(got-0.35) > 1e-9 {
		t.Errorf("Expected 0.35, got %v", got)
	}
	if got := (Params{Threshold: 0.5, NegThreshold: 0.2}).EffectiveNegThreshold(); got != 0.2 {
		t.Errorf("Expected explicit 0.2, got %v", got)
	}
	if got := (Params{Threshold: 0.1}).EffectiveNegThreshold(); got != 0.01 {
		t.Errorf("Expected floor 0.01, got %v", got)
	}
}

func TestSplitLong(t *testing.T) {
	params := Params{MaxSpeechS: 1.0}
	got := splitLong(Segment{Start: 0.5, End: 3.0}, params)

	expected := []Segment{{0.5, 1.5}, {1.5, 2.5}, {2.5, 3.0}}
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if math.Abs(got[i].Start-expected[i].Start) > 1e-9 || math.Abs(got[i].End-expected[i].End) > 1e-9 {
			t.Errorf("Piece %d = %v, expected %v", i, got[i], expected[i])
		}
	}

	if got := splitLong(Segment{Start: 0, End: 5}, Params{MaxSpeechS: math.Inf(1)}); len(got) != 1 {
		t.Errorf("Expected unbounded max speech to keep segment whole, got %v", got)
	}
}

func TestSileroStubOrDetector(t *testing.T) {
	d, err := NewSileroDetector("")
	if err == nil {
		d.Close()
		t.Error("Expected error for empty model path")
	}
}
