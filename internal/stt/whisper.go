package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

// WhisperTranscriber sends audio to a whisper.cpp server's /inference endpoint
// and reads back timestamped segments.
type WhisperTranscriber struct {
	client      *resty.Client
	sampleRate  int
	language    string
	beamSize    int
	temperature float64
}

// WhisperOption configures a WhisperTranscriber
type WhisperOption func(*WhisperTranscriber)

// WithLanguage sets the recognition language (default "en")
func WithLanguage(lang string) WhisperOption {
	return func(w *WhisperTranscriber) { w.language = lang }
}

// WithBeamSize sets the beam search width (default 5)
func WithBeamSize(n int) WhisperOption {
	return func(w *WhisperTranscriber) { w.beamSize = n }
}

// WithTimeout sets the per-request timeout (default 30s)
func WithTimeout(d time.Duration) WhisperOption {
	return func(w *WhisperTranscriber) { w.client.SetTimeout(d) }
}

// WithTemperature sets the sampling temperature (default 0)
func WithTemperature(t float64) WhisperOption {
	return func(w *WhisperTranscriber) { w.temperature = t }
}

// NewWhisperTranscriber creates a client for the server at serverURL
func NewWhisperTranscriber(serverURL string, sampleRate int, opts ...WhisperOption) (*WhisperTranscriber, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper server URL is required")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	w := &WhisperTranscriber{
		client: resty.New().
			SetBaseURL(strings.TrimRight(serverURL, "/")).
			SetTimeout(30 * time.Second),
		sampleRate: sampleRate,
		language:   "en",
		beamSize:   5,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Name implements Transcriber
func (w *WhisperTranscriber) Name() string {
	return "whisper"
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

// Transcribe implements Transcriber
func (w *WhisperTranscriber) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	wav, err := audio.EncodeWAVFloat32(samples, w.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	var out whisperResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetFileReader("file", "audio.wav", bytes.NewReader(wav)).
		SetFormData(map[string]string{
			"response_format": "verbose_json",
			"language":        w.language,
			"beam_size":       strconv.Itoa(w.beamSize),
			"temperature":     strconv.FormatFloat(w.temperature, 'f', -1, 64),
		}).
		ForceContentType("application/json").
		SetResult(&out).
		Post("/inference")
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("whisper server: %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
		if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	if len(out.Segments) == 0 {
		text := strings.TrimSpace(out.Text)
		if text == "" {
			return nil, nil
		}
		return []Segment{{Start: 0, End: audio.Duration(len(samples), w.sampleRate), Text: text}}, nil
	}

	segs := make([]Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segs = append(segs, Segment{Start: s.Start, End: s.End, Text: text})
	}
	return segs, nil
}
