package feedback_test

import (
	"testing"
	"time"

	"github.com/parlo-app/parlo/internal/feedback"
)

func TestEchoFilterDiscardsExactEcho(t *testing.T) {
	f := feedback.NewEchoFilter(time.Second)
	f.NotePlayed("The dragon guards the northern gate.")

	if !f.IsEcho("the dragon guards the northern gate") {
		t.Error("verbatim playback text not recognized as echo")
	}
}

func TestEchoFilterIgnoresPunctuationAndCase(t *testing.T) {
	f := feedback.NewEchoFilter(time.Second)
	f.NotePlayed("Hello, world! How are you today?")

	if !f.IsEcho("hello world how are you today") {
		t.Error("normalized match not recognized as echo")
	}
}

func TestEchoFilterDiscardsFragment(t *testing.T) {
	f := feedback.NewEchoFilter(time.Second)
	f.NotePlayed("Welcome back, traveler. The market opens at dawn.")

	// The recognizer often catches only the tail of a chunk.
	if !f.IsEcho("the market opens at dawn") {
		t.Error("played-text fragment not recognized as echo")
	}
}

func TestEchoFilterPassesUnrelatedSpeech(t *testing.T) {
	f := feedback.NewEchoFilter(time.Second)
	f.NotePlayed("The dragon guards the northern gate.")

	if f.IsEcho("what time is it") {
		t.Error("unrelated transcript discarded as echo")
	}
	if f.IsEcho("tell me about the southern road instead") {
		t.Error("topically different transcript discarded as echo")
	}
}

func TestEchoFilterWindowExpires(t *testing.T) {
	f := feedback.NewEchoFilter(30 * time.Millisecond)
	f.NotePlayed("good morning sunshine")

	time.Sleep(60 * time.Millisecond)
	if f.IsEcho("good morning sunshine") {
		t.Error("match outside the window discarded as echo")
	}
}

func TestEchoFilterIgnoresEmptyText(t *testing.T) {
	f := feedback.NewEchoFilter(time.Second)
	f.NotePlayed("   ")
	f.NotePlayed("")

	if f.IsEcho("") {
		t.Error("empty transcript treated as echo")
	}
	if f.IsEcho("anything at all") {
		t.Error("transcript matched against empty played text")
	}
}
