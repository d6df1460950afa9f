package feedback

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/parlo-app/parlo/internal/observe"
)

const (
	// defaultEchoWindow is how long after a chunk plays that a matching
	// transcript is still treated as self-echo.
	defaultEchoWindow = 4 * time.Second

	// echoSimilarity is the Jaro-Winkler score above which a transcript is
	// considered a rendition of recently played text.
	echoSimilarity = 0.88
)

// EchoFilter discards final transcripts that match recently played speech.
// Muting capture during playback covers most feedback, but on loose timing
// (long reverberation, a chunk whose tail straddles the cooldown) a fragment
// of the assistant's own speech can still reach the recognizer. The filter
// compares incoming finals against the text of recently rendered chunks.
type EchoFilter struct {
	window  time.Duration
	metrics *observe.Metrics

	mu     sync.Mutex
	played []playedEntry
}

type playedEntry struct {
	text string
	at   time.Time
}

// NewEchoFilter creates a filter with the given match window. window <= 0
// uses the 4s default.
func NewEchoFilter(window time.Duration) *EchoFilter {
	if window <= 0 {
		window = defaultEchoWindow
	}
	return &EchoFilter{
		window:  window,
		metrics: observe.DefaultMetrics(),
	}
}

// NotePlayed records the caption of a chunk that just rendered. Empty or
// whitespace-only captions are ignored.
func (f *EchoFilter) NotePlayed(text string) {
	norm := normalizeText(text)
	if norm == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(time.Now())
	f.played = append(f.played, playedEntry{text: norm, at: time.Now()})
}

// IsEcho reports whether transcript matches recently played text and should
// be discarded. A discard is counted in the echo metric.
func (f *EchoFilter) IsEcho(transcript string) bool {
	norm := normalizeText(transcript)
	if norm == "" {
		return false
	}

	f.mu.Lock()
	f.pruneLocked(time.Now())
	entries := make([]string, len(f.played))
	for i, e := range f.played {
		entries[i] = e.text
	}
	f.mu.Unlock()

	for _, played := range entries {
		if matchesPlayed(norm, played) {
			f.metrics.EchoDiscards.Add(context.Background(), 1)
			return true
		}
	}
	return false
}

// pruneLocked drops entries older than the window. Caller holds mu.
func (f *EchoFilter) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.played) && f.played[i].at.Before(cutoff) {
		i++
	}
	f.played = f.played[i:]
}

// matchesPlayed checks a normalized transcript against one normalized played
// caption. Full-string similarity catches complete echoes; the containment
// check catches fragments, because the recognizer often picks up only part
// of a chunk.
func matchesPlayed(transcript, played string) bool {
	if matchr.JaroWinkler(transcript, played, false) >= echoSimilarity {
		return true
	}
	if len(strings.Fields(transcript)) >= 2 && strings.Contains(played, transcript) {
		return true
	}
	return false
}

// normalizeText lowercases, strips punctuation and collapses whitespace so
// "Hello, world!" and "hello world" compare equal.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) && !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
