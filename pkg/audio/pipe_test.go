package audio_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/parlo-app/parlo/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[2*i] = byte(s)
		buf[2*i+1] = byte(s >> 8)
	}
	return buf
}

func TestReaderCaptureConvertsSamples(t *testing.T) {
	// One 10 ms block at 1000 Hz is 10 samples.
	input := pcm16(0, 16384, -16384, 32767, -32768, 0, 0, 0, 0, 0)
	c := audio.NewReaderCapture(bytes.NewReader(input), 1000)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []float32
	for block := range c.Samples() {
		got = append(got, block.Samples...)
	}
	if len(got) != 10 {
		t.Fatalf("samples = %d, want 10", len(got))
	}
	if got[1] < 0.49 || got[1] > 0.51 {
		t.Errorf("sample 1 = %f, want ~0.5", got[1])
	}
	if got[2] > -0.49 || got[2] < -0.51 {
		t.Errorf("sample 2 = %f, want ~-0.5", got[2])
	}
	if got[4] != -1 {
		t.Errorf("sample 4 = %f, want -1", got[4])
	}
}

func TestReaderCaptureClosesChannelOnEOF(t *testing.T) {
	c := audio.NewReaderCapture(bytes.NewReader(nil), 16000)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case _, ok := <-c.Samples():
		if ok {
			t.Fatal("expected closed channel, got a block")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after EOF")
	}
}

func TestReaderCaptureStartAfterStopFails(t *testing.T) {
	c := audio.NewReaderCapture(bytes.NewReader(nil), 16000)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start after Stop should fail")
	}
	// The channel is closed so consumers do not hang.
	if _, ok := <-c.Samples(); ok {
		t.Fatal("expected closed channel")
	}
}
