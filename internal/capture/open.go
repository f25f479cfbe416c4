package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Kinds of capture source
const (
	KindStdin = "stdin"
	KindFile  = "file"
	KindTone  = "tone"
)

// Options selects and shapes a capture source
type Options struct {
	Kind         string
	Path         string
	ToneHz       float64
	SampleRate   int
	SampleWidth  int
	ChunkSamples int
	Paced        bool
}

// Open creates the source described by opts
func Open(opts Options) (Source, error) {
	var readerOpts []ReaderOption
	if opts.Paced {
		readerOpts = append(readerOpts, WithPacing(opts.SampleRate))
	}

	switch opts.Kind {
	case KindStdin, "":
		return NewReaderSource(os.Stdin, opts.ChunkSamples, opts.SampleWidth, readerOpts...)

	case KindFile:
		f, err := os.Open(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		r, err := stripWAVHeader(f, opts.SampleRate)
		if err != nil {
			f.Close()
			return nil, err
		}
		return NewReaderSource(r, opts.ChunkSamples, opts.SampleWidth, readerOpts...)

	case KindTone:
		return NewToneSource(opts.ToneHz, opts.SampleRate, opts.ChunkSamples, opts.Paced)
	}
	return nil, fmt.Errorf("unknown capture source %q", opts.Kind)
}

type bufferedFile struct {
	*bufio.Reader
	io.Closer
}

// stripWAVHeader positions rc at the PCM payload when it holds a WAV file.
// Anything that does not start with RIFF is treated as raw s16le.
func stripWAVHeader(rc io.ReadCloser, sampleRate int) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	out := bufferedFile{Reader: br, Closer: rc}

	magic, err := br.Peek(12)
	if err != nil || string(magic[0:4]) != "RIFF" || string(magic[8:12]) != "WAVE" {
		return out, nil
	}
	br.Discard(12)

	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("read WAV chunk header: %w", err)
		}

		switch string(hdr.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if hdr.Size < 16 {
				return nil, fmt.Errorf("WAV fmt chunk too short: %d bytes", hdr.Size)
			}
			if err := binary.Read(br, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("read WAV fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 || f.NumChannels != 1 || f.BitsPerSample != 16 {
				return nil, fmt.Errorf("WAV must be 16-bit mono PCM, got format=%d channels=%d bits=%d",
					f.AudioFormat, f.NumChannels, f.BitsPerSample)
			}
			if int(f.SampleRate) != sampleRate {
				return nil, fmt.Errorf("WAV sample rate %d does not match %d", f.SampleRate, sampleRate)
			}
			if _, err := br.Discard(int(hdr.Size - 16 + hdr.Size%2)); err != nil {
				return nil, fmt.Errorf("skip WAV fmt chunk: %w", err)
			}

		case "data":
			return out, nil

		default:
			if _, err := br.Discard(int(hdr.Size + hdr.Size%2)); err != nil {
				return nil, fmt.Errorf("skip WAV %q chunk: %w", string(hdr.ID[:]), err)
			}
		}
	}
}
