// Package framing implements the audio wire format: each frame is a 4-byte
// big-endian unsigned length followed by that many payload bytes. There is no
// handshake, no control message and no terminator other than connection close.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix
const HeaderSize = 4

// ErrFrameTooLarge is returned when a length prefix exceeds the reader's limit
// or a payload does not fit in a uint32
var ErrFrameTooLarge = errors.New("frame too large")

// EncodeHeader returns the length prefix for an n-byte payload
func EncodeHeader(n int) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	if n < 0 || uint64(n) > math.MaxUint32 {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	binary.BigEndian.PutUint32(h[:], uint32(n))
	return h, nil
}

// WriteFrame writes the length prefix and then the payload.
// A partial write leaves the stream unusable; callers drop the connection.
func WriteFrame(w io.Writer, payload []byte) error {
	h, err := EncodeHeader(len(payload))
	if err != nil {
		return err
	}
	if _, err := w.Write(h[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame, looping over short reads.
// maxSize bounds the accepted length prefix; 0 means no bound.
// A clean close before any header byte returns io.EOF. A close mid-frame
// returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(h[:])
	if maxSize > 0 && uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: length prefix %d exceeds %d", ErrFrameTooLarge, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
