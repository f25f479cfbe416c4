//go:build silero

package vad

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"
)

// SileroDetector runs the Silero ONNX model through onnxruntime.
// The model keeps recurrent state, so every call resets it and rescans the
// whole input. Calls are serialized.
type SileroDetector struct {
	modelPath string

	mu       sync.Mutex
	detector *speech.Detector
	built    speech.DetectorConfig
}

// NewSileroDetector loads the model at modelPath
func NewSileroDetector(modelPath string) (*SileroDetector, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero model path is required")
	}
	return &SileroDetector{modelPath: modelPath}, nil
}

func (d *SileroDetector) configFor(params Params) speech.DetectorConfig {
	return speech.DetectorConfig{
		ModelPath:            d.modelPath,
		SampleRate:           params.SampleRate,
		Threshold:            float32(params.Threshold),
		MinSilenceDurationMs: params.MinSilenceMs,
		SpeechPadMs:          params.SpeechPadMs,
	}
}

// ensure (re)creates the underlying detector when params change. Caller holds mu.
func (d *SileroDetector) ensure(params Params) error {
	cfg := d.configFor(params)
	if d.detector != nil && cfg == d.built {
		return d.detector.Reset()
	}
	if d.detector != nil {
		d.detector.Destroy()
		d.detector = nil
	}
	det, err := speech.NewDetector(cfg)
	if err != nil {
		return fmt.Errorf("create silero detector: %w", err)
	}
	d.detector = det
	d.built = cfg
	return nil
}

// Detect implements Detector. The model closes spans at Threshold-0.15, so
// NegThreshold is not forwarded. Minimum and maximum speech duration are
// applied to the model's output.
func (d *SileroDetector) Detect(ctx context.Context, samples []float32, params Params) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensure(params); err != nil {
		return nil, err
	}

	raw, err := d.detector.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("silero detect: %w", err)
	}

	duration := float64(len(samples)) / float64(params.SampleRate)
	minSpeech := float64(params.MinSpeechMs) / 1000

	segs := make([]Segment, 0, len(raw))
	for _, r := range raw {
		seg := Segment{Start: r.SpeechStartAt, End: r.SpeechEndAt}
		// An open span has no end yet.
		if seg.End <= seg.Start || seg.End > duration {
			seg.End = duration
		}
		if seg.Duration() < minSpeech {
			continue
		}
		segs = append(segs, splitLong(seg, params)...)
	}
	sortSegments(segs)
	return segs, nil
}

// Close releases the onnxruntime session
func (d *SileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector == nil {
		return nil
	}
	err := d.detector.Destroy()
	d.detector = nil
	return err
}
