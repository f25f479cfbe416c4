//go:build !silero

package vad

import "context"

// SileroDetector is unavailable in this build
type SileroDetector struct{}

// NewSileroDetector always fails without the silero build tag
func NewSileroDetector(modelPath string) (*SileroDetector, error) {
	return nil, ErrSileroUnavailable
}

// Detect implements Detector
func (d *SileroDetector) Detect(ctx context.Context, samples []float32, params Params) ([]Segment, error) {
	return nil, ErrSileroUnavailable
}

// Close is a no-op
func (d *SileroDetector) Close() error {
	return nil
}
