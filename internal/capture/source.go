// Package capture produces fixed-size PCM frames for the sender.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

// Source yields successive frames of s16le mono PCM. ReadFrame returns io.EOF
// once the source is exhausted.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// pacer spaces reads one frame duration apart on a fixed schedule
type pacer struct {
	frame time.Duration
	next  time.Time
	sleep resilience.SleepFunc
}

func newPacer(samples, rate int) *pacer {
	return &pacer{
		frame: time.Duration(float64(samples) / float64(rate) * float64(time.Second)),
		sleep: resilience.Sleep,
	}
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > p.frame {
		// First frame, or we fell behind; restart the schedule.
		p.next = now
	}
	d := time.Until(p.next)
	p.next = p.next.Add(p.frame)
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, d)
}

// ReaderSource reads frames from a byte stream such as stdin or a file
type ReaderSource struct {
	r          io.ReadCloser
	frameBytes int
	width      int
	pacer      *pacer
	closeOnce  sync.Once
}

// ReaderOption customizes a ReaderSource
type ReaderOption func(*ReaderSource)

// WithPacing delivers frames at real-time speed for the given sample rate
func WithPacing(sampleRate int) ReaderOption {
	return func(s *ReaderSource) {
		s.pacer = newPacer(s.frameBytes/s.width, sampleRate)
	}
}

// NewReaderSource reads frames of chunkSamples samples from r
func NewReaderSource(r io.ReadCloser, chunkSamples, sampleWidth int, opts ...ReaderOption) (*ReaderSource, error) {
	if chunkSamples <= 0 {
		return nil, fmt.Errorf("chunk samples must be positive, got %d", chunkSamples)
	}
	if sampleWidth <= 0 {
		return nil, fmt.Errorf("sample width must be positive, got %d", sampleWidth)
	}
	s := &ReaderSource{
		r:          r,
		frameBytes: chunkSamples * sampleWidth,
		width:      sampleWidth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReadFrame returns the next frame. A short final read is trimmed to whole
// samples and returned before io.EOF.
func (s *ReaderSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pacer != nil {
		if err := s.pacer.wait(ctx); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, s.frameBytes)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		n -= n % s.width
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	default:
		return nil, err
	}
}

// Close closes the underlying reader; later calls return nil
func (s *ReaderSource) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.r.Close() })
	return err
}

// ToneSource synthesizes an endless sine wave, for exercising a link without
// a microphone
type ToneSource struct {
	freq      float64
	amplitude float64
	rate      int
	chunk     int
	phase     float64
	pacer     *pacer
}

// NewToneSource creates a tone of freq Hz at half scale
func NewToneSource(freq float64, sampleRate, chunkSamples int, paced bool) (*ToneSource, error) {
	if freq <= 0 || sampleRate <= 0 || chunkSamples <= 0 {
		return nil, fmt.Errorf("invalid tone parameters: freq=%v rate=%d chunk=%d", freq, sampleRate, chunkSamples)
	}
	t := &ToneSource{
		freq:      freq,
		amplitude: 0.5,
		rate:      sampleRate,
		chunk:     chunkSamples,
	}
	if paced {
		t.pacer = newPacer(chunkSamples, sampleRate)
	}
	return t, nil
}

// ReadFrame returns the next chunk of the tone; phase carries across frames
func (t *ToneSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.pacer != nil {
		if err := t.pacer.wait(ctx); err != nil {
			return nil, err
		}
	}

	step := 2 * math.Pi * t.freq / float64(t.rate)
	samples := make([]float32, t.chunk)
	for i := range samples {
		samples[i] = float32(t.amplitude * math.Sin(t.phase))
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return audio.Int16ToBytes(audio.Float32ToPCM16(samples)), nil
}

// Close is a no-op
func (t *ToneSource) Close() error {
	return nil
}
