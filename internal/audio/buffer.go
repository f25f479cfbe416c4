package audio

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTrimOutOfRange is returned when a trim exceeds the retained audio
	ErrTrimOutOfRange = errors.New("trim exceeds buffer length")
	// ErrPartialSample is returned when a length is not a whole number of samples
	ErrPartialSample = errors.New("length is not a multiple of the sample width")
)

// RollingBuffer holds raw PCM received and not yet consumed, in arrival order.
// Appends extend the tail; trims remove a prefix. All operations hold one
// mutex for at most a copy or reslice, never across detection or transcription.
type RollingBuffer struct {
	sampleWidth int
	data        []byte
	notify      chan struct{}
	mu          sync.Mutex
}

// NewRollingBuffer creates an empty buffer for samples of sampleWidth bytes
func NewRollingBuffer(sampleWidth int) *RollingBuffer {
	if sampleWidth <= 0 {
		sampleWidth = 2
	}
	return &RollingBuffer{
		sampleWidth: sampleWidth,
		notify:      make(chan struct{}, 1),
	}
}

// SampleWidth returns the bytes per sample
func (b *RollingBuffer) SampleWidth() int {
	return b.sampleWidth
}

// Append extends the buffer with whole samples
func (b *RollingBuffer) Append(p []byte) error {
	if len(p)%b.sampleWidth != 0 {
		return fmt.Errorf("append %d bytes: %w", len(p), ErrPartialSample)
	}
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Snapshot returns a copy of the current contents
func (b *RollingBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// TrimPrefix removes the oldest n bytes
func (b *RollingBuffer) TrimPrefix(n int) error {
	if n%b.sampleWidth != 0 {
		return fmt.Errorf("trim %d bytes: %w", n, ErrPartialSample)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > len(b.data) {
		return fmt.Errorf("trim %d of %d bytes: %w", n, len(b.data), ErrTrimOutOfRange)
	}
	if n == 0 {
		return nil
	}

	// Copy the tail down so the trimmed prefix can be collected.
	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
	return nil
}

// Len returns the number of bytes retained
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Notify returns a channel that receives after appends. Signals coalesce:
// one receive may stand for many appends.
func (b *RollingBuffer) Notify() <-chan struct{} {
	return b.notify
}
