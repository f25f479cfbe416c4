// Package transcript holds transcription results and the queue that hands
// them to the consumer.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/speech-relay/internal/stt"
)

// Result is one formatted text block for one dispatched speech segment
type Result struct {
	ID string `json:"id"`

	// Text is the concatenation of every recognized sub-segment, one per line
	Text string `json:"text"`

	// SegmentStart and SegmentEnd locate the speech segment in the buffer
	// snapshot it was cut from, in seconds
	SegmentStart float64 `json:"segment_start"`
	SegmentEnd   float64 `json:"segment_end"`

	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
}

// Format renders sub-segments as "[start -> end] text" lines, offsets relative
// to the segment start
func Format(segs []stt.Segment) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "[%.2fs -> %.2fs] %s\n", s.Start, s.End, s.Text)
	}
	return b.String()
}
