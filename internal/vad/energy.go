package vad

import (
	"context"
	"fmt"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// EnergyConfig holds configuration for the energy detector
type EnergyConfig struct {
	FrameSize    int     // Samples per analysis frame (512 = 32ms at 16kHz)
	ReferenceRMS float64 // RMS that maps to speech probability 1.0
}

// DefaultEnergyConfig returns a default energy detector configuration
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		FrameSize:    512,
		ReferenceRMS: 0.06, // Threshold 0.5 then opens a span at about -30 dBFS
	}
}

// EnergyDetector scores each frame by RMS energy and runs the same
// open/close state machine a neural detector would, so it can stand in for
// one where no model is available.
type EnergyDetector struct {
	config EnergyConfig
}

// NewEnergyDetector creates an energy detector
func NewEnergyDetector(config EnergyConfig) *EnergyDetector {
	defaults := DefaultEnergyConfig()
	if config.FrameSize <= 0 {
		config.FrameSize = defaults.FrameSize
	}
	if config.ReferenceRMS <= 0 {
		config.ReferenceRMS = defaults.ReferenceRMS
	}
	return &EnergyDetector{config: config}
}

// FrameProbability maps one frame to a speech probability in [0, 1]
func (d *EnergyDetector) FrameProbability(frame []float32) float64 {
	p := audio.CalculateRMSFloat(frame) / d.config.ReferenceRMS
	if p > 1 {
		return 1
	}
	return p
}

// Detect implements Detector
func (d *EnergyDetector) Detect(ctx context.Context, samples []float32, params Params) ([]Segment, error) {
	if params.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", params.SampleRate)
	}
	if params.Threshold <= 0 || params.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %v", params.Threshold)
	}

	rate := params.SampleRate
	frameSize := d.config.FrameSize
	total := len(samples)
	negThreshold := params.EffectiveNegThreshold()
	minSpeech := rate * params.MinSpeechMs / 1000
	minSilence := rate * params.MinSilenceMs / 1000
	padSamples := rate * params.SpeechPadMs / 1000
	maxSpeech := -1
	if params.MaxSpeechBounded() {
		maxSpeech = int(params.MaxSpeechS*float64(rate)) - 2*padSamples
		if maxSpeech < frameSize {
			maxSpeech = frameSize
		}
	}

	var (
		spans     []span
		triggered bool
		start     int
		tempEnd   int
		hasTemp   bool
	)

	closeSpan := func(end int) {
		if end-start >= minSpeech {
			spans = append(spans, span{start: start, end: end})
		}
		triggered = false
		hasTemp = false
	}

	for pos := 0; pos < total; pos += frameSize {
		if pos%(frameSize*256) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		end := min(pos+frameSize, total)
		prob := d.FrameProbability(samples[pos:end])

		if prob >= params.Threshold {
			hasTemp = false
			if !triggered {
				triggered = true
				start = pos
				continue
			}
		}

		if triggered && maxSpeech > 0 && end-start > maxSpeech {
			closeSpan(end)
			continue
		}

		if triggered && prob < negThreshold {
			if !hasTemp {
				tempEnd = pos
				hasTemp = true
			}
			if end-tempEnd < minSilence {
				continue
			}
			closeSpan(tempEnd)
		}
	}

	if triggered {
		closeSpan(total)
	}

	segs := pad(spans, padSamples, total, rate)
	sortSegments(segs)
	return segs, nil
}
