package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// readerBlockMs is the delivery granularity of a ReaderCapture.
const readerBlockMs = 10

// ReaderCapture adapts an io.Reader carrying raw little-endian PCM16 mono
// samples into a CaptureDevice. The usual source is a capture process piping
// to stdin (e.g. arecord -f S16_LE -c 1 writing to the pipe).
type ReaderCapture struct {
	r    io.Reader
	rate int

	mu      sync.Mutex
	ch      chan CaptureBlock
	started bool
	stopped bool
}

// NewReaderCapture wraps r, which must deliver s16le mono samples at the
// given rate.
func NewReaderCapture(r io.Reader, rate int) *ReaderCapture {
	return &ReaderCapture{
		r:    r,
		rate: rate,
		ch:   make(chan CaptureBlock, 64),
	}
}

// Start begins reading sample blocks. The read goroutine exits, closing the
// sample channel, when the reader hits EOF or fails, when ctx is cancelled,
// or after Stop.
func (c *ReaderCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("audio: capture already stopped")
	}
	if c.started {
		return errors.New("audio: capture already started")
	}
	if c.rate <= 0 {
		return fmt.Errorf("audio: invalid capture rate %d", c.rate)
	}
	c.started = true

	go c.readLoop(ctx)
	return nil
}

func (c *ReaderCapture) Samples() <-chan CaptureBlock { return c.ch }

func (c *ReaderCapture) SampleRate() int { return c.rate }

// Stop detaches from the reader. If the reader is closable it is closed to
// unblock a pending read; the sample channel closes once the read goroutine
// notices.
func (c *ReaderCapture) Stop() error {
	c.mu.Lock()
	alreadyStopped := c.stopped
	c.stopped = true
	started := c.started
	c.mu.Unlock()
	if alreadyStopped {
		return nil
	}
	if closer, ok := c.r.(io.Closer); ok {
		closer.Close()
	}
	if !started {
		close(c.ch)
	}
	return nil
}

func (c *ReaderCapture) readLoop(ctx context.Context) {
	defer close(c.ch)

	blockBytes := c.rate * readerBlockMs / 1000 * 2
	buf := make([]byte, blockBytes)

	for {
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		n, err := io.ReadFull(c.r, buf)
		if n > 0 {
			samples := make([]float32, n/2)
			for i := range samples {
				s := int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
				samples[i] = float32(s) / 32768
			}
			select {
			case c.ch <- CaptureBlock{Samples: samples}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *ReaderCapture) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
