// Package mock provides a scriptable Renderer for playback tests.
package mock

import (
	"context"
	"sync"
	"time"
)

// Renderer records every Play call and simulates render time. Tests can
// block playback indefinitely with Hold to exercise flush behaviour.
type Renderer struct {
	// PlayDuration is how long each Play blocks. Zero returns immediately.
	PlayDuration time.Duration

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// Hold, if non-nil, makes Play block until the channel closes or ctx is
	// cancelled, ignoring PlayDuration.
	Hold chan struct{}

	mu        sync.Mutex
	plays     [][]byte
	active    int
	maxActive int
}

// Play records the call and blocks per the configured behaviour.
func (r *Renderer) Play(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.plays = append(r.plays, cp)
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	hold := r.Hold
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if r.PlayDuration > 0 {
		select {
		case <-time.After(r.PlayDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.PlayErr
}

// PlayCount returns the number of Play calls so far.
func (r *Renderer) PlayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plays)
}

// Played returns copies of all PCM payloads passed to Play, in order.
func (r *Renderer) Played() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.plays))
	copy(out, r.plays)
	return out
}

// MaxConcurrent returns the highest number of simultaneously active Play
// calls observed. Strict FIFO playback keeps this at 1.
func (r *Renderer) MaxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}
