package playback

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parlo-app/parlo/pkg/audio"
)

// Renderer turns decoded PCM into audible output. Play blocks until the
// chunk has been rendered or ctx is cancelled; the queue relies on that to
// keep chunks strictly sequential.
type Renderer interface {
	Play(ctx context.Context, pcm []byte) error
}

// StreamRenderer writes PCM to an io.Writer paced at real time, suitable for
// piping into an audio sink process (e.g. aplay reading 16 kHz mono s16le on
// stdin). Pacing keeps the queue's timing honest: a chunk "renders" for as
// long as it would sound.
type StreamRenderer struct {
	w io.Writer
}

// NewStreamRenderer creates a paced renderer writing to w.
func NewStreamRenderer(w io.Writer) *StreamRenderer {
	return &StreamRenderer{w: w}
}

// Play writes pcm in 30 ms slices, sleeping each slice's duration, and
// returns early when ctx is cancelled.
func (r *StreamRenderer) Play(ctx context.Context, pcm []byte) error {
	const sliceBytes = 2 * audio.TargetSampleRate * 30 / 1000

	for off := 0; off < len(pcm); off += sliceBytes {
		end := off + sliceBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		slice := pcm[off:end]

		if _, err := r.w.Write(slice); err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}

		sliceDur := time.Duration(len(slice)/2) * time.Second / audio.TargetSampleRate
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sliceDur):
		}
	}
	return nil
}
