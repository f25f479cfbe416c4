package segmenter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/vad"
)

const rate = 16000

// runDetector reports every run of non-silent samples as speech
var runDetector = vad.DetectorFunc(func(ctx context.Context, samples []float32, params vad.Params) ([]vad.Segment, error) {
	var segs []vad.Segment
	start := -1
	for i, s := range samples {
		loud := s > 0.1 || s < -0.1
		if loud && start < 0 {
			start = i
		}
		if !loud && start >= 0 {
			segs = append(segs, vad.Segment{Start: float64(start) / rate, End: float64(i) / rate})
			start = -1
		}
	}
	if start >= 0 {
		segs = append(segs, vad.Segment{Start: float64(start) / rate, End: float64(len(samples)) / rate})
	}
	return segs, nil
})

func fixedDetector(segs ...vad.Segment) vad.Detector {
	return vad.DetectorFunc(func(ctx context.Context, samples []float32, params vad.Params) ([]vad.Segment, error) {
		return segs, nil
	})
}

// scriptedDetector returns one segment list per call, then nothing
type scriptedDetector struct {
	mu     sync.Mutex
	passes [][]vad.Segment
}

func (d *scriptedDetector) Detect(ctx context.Context, samples []float32, params vad.Params) ([]vad.Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.passes) == 0 {
		return nil, nil
	}
	segs := d.passes[0]
	d.passes = d.passes[1:]
	return segs, nil
}

type recorder struct {
	mu   sync.Mutex
	segs []Segment
	err  error
}

func (r *recorder) Dispatch(ctx context.Context, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segs = append(r.segs, seg)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segs)
}

// pcm builds s16le audio of the given seconds at a constant level
func pcm(seconds float64, level int16) []byte {
	n := int(seconds * rate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = level
	}
	return audio.Int16ToBytes(samples)
}

func testConfig() Config {
	return Config{
		SampleRate:         rate,
		SampleWidth:        2,
		MinAnalysisSamples: 512,
		PollInterval:       10 * time.Millisecond,
		FinishedMargin:     0.5,
	}
}

func newTestScheduler(cfg Config, det vad.Detector, rec *recorder) (*Scheduler, *audio.RollingBuffer) {
	buf := audio.NewRollingBuffer(2)
	return New(cfg, buf, det, rec, zerolog.Nop()), buf
}

func TestPass_DispatchesFinishedAndTrims(t *testing.T) {
	rec := &recorder{}
	s, buf := newTestScheduler(testConfig(), fixedDetector(vad.Segment{Start: 0.2, End: 1.0}), rec)
	buf.Append(pcm(2.0, 0))

	r := s.Pass(context.Background())

	if r.Outcome != OutcomeDispatched {
		t.Fatalf("Expected dispatched, got %s", r)
	}
	if rec.count() != 1 {
		t.Fatalf("Expected 1 dispatched segment, got %d", rec.count())
	}
	seg := rec.segs[0]
	if seg.StartSample != 3200 || seg.EndSample != 16000 {
		t.Errorf("Expected samples [3200:16000), got [%d:%d)", seg.StartSample, seg.EndSample)
	}
	if len(seg.Samples) != 12800 {
		t.Errorf("Expected 12800 samples, got %d", len(seg.Samples))
	}
	if r.TrimmedBytes != 32000 {
		t.Errorf("Expected 32000 bytes trimmed, got %d", r.TrimmedBytes)
	}
	if buf.Len() != 32000 {
		t.Errorf("Expected 32000 bytes left, got %d", buf.Len())
	}
}

func TestPass_MarginBoundary(t *testing.T) {
	tests := []struct {
		name     string
		end      float64
		finished bool
	}{
		{"exactly at margin", 1.5, true},
		{"inside margin", 1.5001, false},
		{"well before margin", 0.9, true},
		{"open at buffer end", 2.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s, buf := newTestScheduler(testConfig(), fixedDetector(vad.Segment{Start: 0.1, End: tt.end}), rec)
			buf.Append(pcm(2.0, 0))

			r := s.Pass(context.Background())
			if got := rec.count() == 1; got != tt.finished {
				t.Errorf("Expected finished=%v, got %s", tt.finished, r)
			}
			if !tt.finished && buf.Len() != 64000 {
				t.Errorf("Expected buffer untouched, got %d bytes", buf.Len())
			}
		})
	}
}

func TestIsFinished(t *testing.T) {
	if !IsFinished(1.5, 2.0, 0.5) {
		t.Error("Expected end at duration-margin to be finished")
	}
	if IsFinished(1.6, 2.0, 0.5) {
		t.Error("Expected end inside margin to be unfinished")
	}
}

func TestPass_WatermarkSkipsCoveredSegments(t *testing.T) {
	rec := &recorder{}
	det := fixedDetector(
		vad.Segment{Start: 0.6, End: 0.9},
		vad.Segment{Start: 0.1, End: 0.8},
		vad.Segment{Start: 0.2, End: 0.5},
	)
	s, buf := newTestScheduler(testConfig(), det, rec)
	buf.Append(pcm(2.0, 0))

	r := s.Pass(context.Background())

	if r.Dispatched != 2 || r.Duplicates != 1 {
		t.Fatalf("Expected 2 dispatched and 1 duplicate, got %s", r)
	}
	if rec.segs[0].Start != 0.1 || rec.segs[1].Start != 0.6 {
		t.Errorf("Expected start order 0.1 then 0.6, got %v then %v", rec.segs[0].Start, rec.segs[1].Start)
	}
	if r.TrimmedBytes != int(0.9*rate)*2 {
		t.Errorf("Expected trim to 0.9s, got %d bytes", r.TrimmedBytes)
	}
}

func TestPass_NestedSegmentTrimsToFurthestEnd(t *testing.T) {
	rec := &recorder{}
	det := &scriptedDetector{passes: [][]vad.Segment{
		{{Start: 0.1, End: 1.2}, {Start: 0.3, End: 0.6}},
		{{Start: 0.0, End: 0.2}},
	}}
	s, buf := newTestScheduler(testConfig(), det, rec)
	buf.Append(pcm(2.0, 0))
	ctx := context.Background()

	r := s.Pass(ctx)
	if r.Dispatched != 1 || r.Duplicates != 1 {
		t.Fatalf("Expected 1 dispatched and 1 duplicate, got %s", r)
	}
	if r.TrimmedBytes != 38400 {
		t.Errorf("Expected trim to 1.2s (38400 bytes), got %d bytes", r.TrimmedBytes)
	}
	if buf.Len() != 25600 {
		t.Errorf("Expected 0.8s of audio left, got %d bytes", buf.Len())
	}

	// The second pass only sees audio recorded after 1.2s.
	s.Pass(ctx)
	if rec.count() != 2 {
		t.Fatalf("Expected 2 dispatches, got %d", rec.count())
	}
	if got := len(rec.segs[1].Samples); got != 3200 {
		t.Errorf("Expected 3200 samples, got %d", got)
	}
}

func TestPass_NoDoubleDispatchAcrossPasses(t *testing.T) {
	rec := &recorder{}
	s, buf := newTestScheduler(testConfig(), runDetector, rec)
	ctx := context.Background()

	buf.Append(pcm(0.25, 0))
	buf.Append(pcm(0.75, 16000))
	buf.Append(pcm(1.0, 0))

	s.Pass(ctx)
	if rec.count() != 1 {
		t.Fatalf("Expected 1 dispatch after first pass, got %d", rec.count())
	}
	if buf.Len() != rate*2 {
		t.Errorf("Expected 1s of audio left, got %d bytes", buf.Len())
	}

	// Remaining audio is silence; repeated passes find nothing new.
	for i := 0; i < 3; i++ {
		if r := s.Pass(ctx); r.Outcome != OutcomeIdle {
			t.Errorf("Expected idle pass, got %s", r)
		}
	}
	if rec.count() != 1 {
		t.Fatalf("Expected no further dispatch, got %d", rec.count())
	}

	buf.Append(pcm(0.5, 16000))
	buf.Append(pcm(1.0, 0))
	s.Pass(ctx)

	if rec.count() != 2 {
		t.Fatalf("Expected second utterance dispatched, got %d", rec.count())
	}
	second := rec.segs[1]
	if second.Start != 1.0 || second.End != 1.5 {
		t.Errorf("Expected second segment at 1.0-1.5 of the new origin, got %v-%v", second.Start, second.End)
	}
}

func TestPass_VADErrorLeavesBuffer(t *testing.T) {
	rec := &recorder{}
	det := vad.DetectorFunc(func(ctx context.Context, samples []float32, params vad.Params) ([]vad.Segment, error) {
		return nil, errors.New("model failed")
	})
	s, buf := newTestScheduler(testConfig(), det, rec)
	buf.Append(pcm(2.0, 0))

	r := s.Pass(context.Background())

	if r.Outcome != OutcomeVADError || r.Err == nil {
		t.Errorf("Expected vad_error with error, got %s", r)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no dispatch, got %d", rec.count())
	}
	if buf.Len() != 64000 {
		t.Errorf("Expected buffer untouched, got %d bytes", buf.Len())
	}
}

func TestPass_ShortBufferSkipsDetection(t *testing.T) {
	called := false
	det := vad.DetectorFunc(func(ctx context.Context, samples []float32, params vad.Params) ([]vad.Segment, error) {
		called = true
		return nil, nil
	})
	s, buf := newTestScheduler(testConfig(), det, &recorder{})
	buf.Append(make([]byte, 511*2))

	if r := s.Pass(context.Background()); r.Outcome != OutcomeShort {
		t.Errorf("Expected short pass, got %s", r)
	}
	if called {
		t.Error("Expected detector not to run on a short buffer")
	}

	buf.Append(make([]byte, 2))
	s.Pass(context.Background())
	if !called {
		t.Error("Expected detector to run at the minimum window")
	}
}

func TestPass_DispatchFailureStillTrims(t *testing.T) {
	rec := &recorder{err: errors.New("asr down")}
	s, buf := newTestScheduler(testConfig(), fixedDetector(vad.Segment{Start: 0.2, End: 1.0}), rec)
	buf.Append(pcm(2.0, 0))

	r := s.Pass(context.Background())

	if rec.count() != 1 || r.Dispatched != 0 {
		t.Errorf("Expected one failed dispatch attempt, got %s", r)
	}
	if buf.Len() != 32000 {
		t.Errorf("Expected failed segment to be trimmed, got %d bytes", buf.Len())
	}
}

func TestPass_ForceFlushOldestSegment(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferSeconds = 1.0
	rec := &recorder{}
	s, buf := newTestScheduler(cfg, runDetector, rec)
	buf.Append(pcm(1.5, 16000))

	r := s.Pass(context.Background())

	if r.Outcome != OutcomeForced {
		t.Fatalf("Expected forced pass, got %s", r)
	}
	if rec.count() != 1 || !rec.segs[0].Forced {
		t.Fatalf("Expected one forced dispatch, got %d", rec.count())
	}
	if rec.segs[0].EndSample != 24000 {
		t.Errorf("Expected whole buffer flushed, got end sample %d", rec.segs[0].EndSample)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", buf.Len())
	}
}

func TestPass_ForceFlushSilenceKeepsMargin(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferSeconds = 1.0
	rec := &recorder{}
	s, buf := newTestScheduler(cfg, runDetector, rec)
	buf.Append(pcm(1.5, 0))

	r := s.Pass(context.Background())

	if r.Outcome != OutcomeForced {
		t.Fatalf("Expected forced pass, got %s", r)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no dispatch for silence, got %d", rec.count())
	}
	if buf.Len() != 16000 {
		t.Errorf("Expected 0.5s of trailing audio kept, got %d bytes", buf.Len())
	}
}

func TestPass_CeilingDisabledByDefault(t *testing.T) {
	rec := &recorder{}
	s, buf := newTestScheduler(testConfig(), runDetector, rec)
	buf.Append(pcm(30, 16000))

	if r := s.Pass(context.Background()); r.Outcome != OutcomeIdle {
		t.Errorf("Expected idle pass without a ceiling, got %s", r)
	}
	if buf.Len() != 30*rate*2 {
		t.Errorf("Expected buffer untouched, got %d bytes", buf.Len())
	}
}

func TestRun_WakesOnAppend(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	cfg.WakeOnAppend = true
	rec := &recorder{}
	s, buf := newTestScheduler(cfg, runDetector, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	buf.Append(append(pcm(0.5, 16000), pcm(1.0, 0)...))

	deadline := time.After(time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected append to trigger a pass")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRun_PollsOnTicker(t *testing.T) {
	rec := &recorder{}
	s, buf := newTestScheduler(testConfig(), runDetector, rec)
	buf.Append(append(pcm(0.5, 16000), pcm(1.0, 0)...))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	for rec.count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("Expected a polled pass within a second")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
