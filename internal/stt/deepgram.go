package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	prerecorded "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// DeepgramConfig holds Deepgram pre-recorded API settings
type DeepgramConfig struct {
	APIKey     string
	Model      string // nova-2, enhanced, base
	Language   string // Language code (en, es, fr, etc.)
	SampleRate int
}

// DeepgramTranscriber sends each finished segment to Deepgram's
// pre-recorded endpoint and maps utterances to segments. Beam width has no
// equivalent in the hosted API.
type DeepgramTranscriber struct {
	config DeepgramConfig
	api    *prerecorded.Client
}

// NewDeepgramTranscriber creates a REST client for Deepgram
func NewDeepgramTranscriber(config DeepgramConfig) (*DeepgramTranscriber, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Model == "" {
		config.Model = "nova-2"
	}
	if config.Language == "" {
		config.Language = "en"
	}

	c := listenClient.NewREST(config.APIKey, &interfaces.ClientOptions{})
	return &DeepgramTranscriber{
		config: config,
		api:    prerecorded.New(c),
	}, nil
}

// Name implements Transcriber
func (d *DeepgramTranscriber) Name() string {
	return "deepgram"
}

// Transcribe implements Transcriber
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	wav, err := audio.EncodeWAVFloat32(samples, d.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:      d.config.Model,
		Language:   d.config.Language,
		Punctuate:  true,
		Utterances: true,
	}

	res, err := d.api.FromStream(ctx, bytes.NewReader(wav), options)
	if err != nil {
		return nil, fmt.Errorf("deepgram transcription: %w", err)
	}
	if res == nil || res.Results == nil {
		return nil, nil
	}

	if len(res.Results.Utterances) > 0 {
		segs := make([]Segment, 0, len(res.Results.Utterances))
		for _, u := range res.Results.Utterances {
			text := strings.TrimSpace(u.Transcript)
			if text == "" {
				continue
			}
			segs = append(segs, Segment{Start: u.Start, End: u.End, Text: text})
		}
		return segs, nil
	}

	// Without utterances, fall back to the first channel's best alternative.
	for _, ch := range res.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(ch.Alternatives[0].Transcript)
		if text == "" {
			return nil, nil
		}
		return []Segment{{Start: 0, End: audio.Duration(len(samples), d.config.SampleRate), Text: text}}, nil
	}
	return nil, nil
}
