package stt

import "context"

// Segment is one piece of recognized speech. Offsets are in seconds from the
// start of the audio passed to Transcribe.
type Segment struct {
	// Start is the start offset of the segment
	Start float64

	// End is the end offset of the segment
	End float64

	// Text is the transcribed text
	Text string
}

// Transcriber is the speech-to-text capability
type Transcriber interface {
	// Transcribe recognizes normalized mono samples and returns segments in order
	Transcribe(ctx context.Context, samples []float32) ([]Segment, error)

	// Name identifies the backend in logs and metrics
	Name() string
}

// TranscriberFunc adapts a function to Transcriber
type TranscriberFunc func(ctx context.Context, samples []float32) ([]Segment, error)

// Transcribe calls f
func (f TranscriberFunc) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	return f(ctx, samples)
}

// Name returns "func"
func (f TranscriberFunc) Name() string {
	return "func"
}
