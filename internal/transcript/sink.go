package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// WriteTo pops results and writes their text to w until the queue is closed
// and drained or ctx ends. Empty blocks produce no output.
func WriteTo(ctx context.Context, q *Queue, w io.Writer) error {
	for {
		r, err := q.Pop(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.Text == "" {
			continue
		}
		if _, err := io.WriteString(w, r.Text); err != nil {
			q.Requeue(r)
			return fmt.Errorf("write transcript: %w", err)
		}
	}
}
