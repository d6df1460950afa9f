// Package playback renders synthesized-speech chunks strictly in arrival
// order. A background dispatch goroutine pulls chunks off an internal FIFO
// and hands them to the Renderer one at a time; FlushAll is the cancellation
// primitive for in-flight audio.
package playback

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-app/parlo/internal/observe"
	"github.com/parlo-app/parlo/pkg/audio"
)

// Codec selects how chunk payloads are encoded inside their base64 wrapper.
type Codec string

const (
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// Chunk is one playable unit received from the backend.
type Chunk struct {
	// AudioBase64 is the payload as received on the wire. Decoding is
	// deferred to render time so one corrupt chunk drops without affecting
	// its neighbours.
	AudioBase64 string

	// Text is the optional caption associated with this chunk.
	Text string

	// Arrived is when the chunk was received. Zero means "now" at Enqueue.
	Arrived time.Time
}

// Queue is the strict-FIFO playback queue. At most one chunk renders at any
// moment; chunks never reorder. All exported methods are safe for concurrent
// use.
type Queue struct {
	renderer Renderer
	codec    Codec
	opus     *audio.OpusDecoder
	log      *slog.Logger
	metrics  *observe.Metrics

	// onStateChange fires on idle<->playing transitions. Invoked from the
	// dispatch goroutine; must not block.
	onStateChange func(playing bool)

	// onError reports decode and render failures. The queue continues with
	// the next chunk regardless.
	onError func(err error)

	mu            sync.Mutex
	queue         []Chunk
	playing       bool
	currentText   string
	cancelPlaying chan struct{}

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// Options configures a Queue.
type Options struct {
	Codec         Codec
	OnStateChange func(playing bool)
	OnError       func(err error)
	Logger        *slog.Logger
}

// New creates a Queue delivering chunks to renderer. The dispatch goroutine
// starts immediately; call Close to stop it.
func New(renderer Renderer, opts Options) (*Queue, error) {
	if opts.Codec == "" {
		opts.Codec = CodecPCM16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		renderer:      renderer,
		codec:         opts.Codec,
		log:           opts.Logger,
		metrics:       observe.DefaultMetrics(),
		onStateChange: opts.OnStateChange,
		onError:       opts.OnError,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	if opts.Codec == CodecOpus {
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return nil, fmt.Errorf("playback: %w", err)
		}
		q.opus = dec
	}

	go q.dispatch()
	return q, nil
}

// Enqueue appends one chunk to the tail of the queue.
func (q *Queue) Enqueue(c Chunk) {
	if c.Arrived.IsZero() {
		c.Arrived = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, c)
	depth := len(q.queue)
	q.mu.Unlock()

	q.metrics.QueueDepth.Record(context.Background(), int64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// FlushAll discards every queued chunk and stops the one currently
// rendering. The queue returns to idle immediately; "speaking" state and the
// current caption are cleared.
func (q *Queue) FlushAll() {
	q.mu.Lock()
	q.queue = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.mu.Unlock()
}

// Playing reports whether a chunk is rendering right now.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// CurrentText returns the caption of the chunk rendering right now, or ""
// while idle. Non-empty exactly while that chunk renders.
func (q *Queue) CurrentText() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentText
}

// Pending returns the number of queued (not yet rendering) chunks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close stops the dispatch goroutine and discards all queued audio.
// Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.queue = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.mu.Unlock()

	close(q.done)
	return nil
}

// dispatch pulls chunks strictly in order and renders them one at a time.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			c, cancel, ok := q.dequeue()
			if !ok {
				break
			}

			pcm, err := q.decode(c)
			if err != nil {
				q.metrics.RecordChunk(context.Background(), "dropped")
				q.log.Warn("dropping undecodable chunk", "error", err)
				q.reportError(err)
				q.finishChunk()
				continue
			}

			q.metrics.RecordPlaybackLatency(context.Background(), time.Since(c.Arrived))
			q.render(pcm, cancel)
			q.finishChunk()
		}
	}
}

// dequeue pops the head chunk and marks it as rendering. The idle->playing
// transition fires here so the caption is already observable when the state
// callback runs.
func (q *Queue) dequeue() (Chunk, chan struct{}, bool) {
	q.mu.Lock()
	if len(q.queue) == 0 {
		wasPlaying := q.playing
		q.playing = false
		q.currentText = ""
		q.mu.Unlock()
		if wasPlaying {
			q.stateChange(false)
		}
		return Chunk{}, nil, false
	}

	c := q.queue[0]
	q.queue = q.queue[1:]
	cancel := make(chan struct{})
	q.cancelPlaying = cancel
	wasIdle := !q.playing
	q.playing = true
	q.currentText = c.Text
	q.mu.Unlock()

	if wasIdle {
		q.stateChange(true)
	}
	return c, cancel, true
}

// finishChunk clears the per-chunk rendering state. The playing flag stays
// set between consecutive chunks of one utterance; dequeue drops it when the
// queue runs dry.
func (q *Queue) finishChunk() {
	q.mu.Lock()
	if q.cancelPlaying != nil {
		q.cancelPlaying = nil
	}
	q.currentText = ""
	q.mu.Unlock()
}

// render plays one decoded chunk, stopping early on flush or close.
func (q *Queue) render(pcm []byte, cancel chan struct{}) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		select {
		case <-cancel:
			stop()
		case <-q.done:
			stop()
		case <-ctx.Done():
		}
	}()

	if err := q.renderer.Play(ctx, pcm); err != nil {
		if ctx.Err() != nil {
			// Flushed or closed; not a failure.
			return
		}
		q.metrics.RecordChunk(context.Background(), "failed")
		q.reportError(fmt.Errorf("playback: render: %w", err))
		return
	}
	q.metrics.RecordChunk(context.Background(), "played")
}

// decode unwraps the base64 payload and, for the opus codec, decodes the
// packet into PCM.
func (q *Queue) decode(c Chunk) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("playback: base64 decode: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("playback: empty chunk payload")
	}
	if q.codec == CodecOpus {
		pcm, err := q.opus.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("playback: %w", err)
		}
		return pcm, nil
	}
	return raw, nil
}

func (q *Queue) stateChange(playing bool) {
	if q.onStateChange != nil {
		q.onStateChange(playing)
	}
}

func (q *Queue) reportError(err error) {
	if q.onError != nil {
		q.onError(err)
	}
}
