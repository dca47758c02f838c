package playback

import (
	"testing"
	"time"

	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/mock"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
)

func constBuf(n int, v float32) *audio.PlaybackBuffer {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return &audio.PlaybackBuffer{Samples: s, Format: audio.PlaybackFormat}
}

func TestContext_RenderMixesAtStartTime(t *testing.T) {
	t.Parallel()

	c := newContext(mock.NewOutputStream(audio.PlaybackFormat), WithBlockFrames(4))
	ended := 0
	// Starts at frame 2 and lasts 4 frames: covers block 0 [2,4) and block 1 [4,6).
	c.Start(constBuf(4, 0.25), 2.0/24000, func() { ended++ })

	block := make([]float32, 4)
	fns, ok := c.render(block)
	if !ok {
		t.Fatal("render reported closed")
	}
	if want := []float32{0, 0, 0.25, 0.25}; !equal(block, want) {
		t.Errorf("block 0 = %v; want %v", block, want)
	}
	if len(fns) != 0 {
		t.Errorf("ended after block 0 = %d; want 0", len(fns))
	}

	fns, _ = c.render(block)
	if want := []float32{0.25, 0.25, 0, 0}; !equal(block, want) {
		t.Errorf("block 1 = %v; want %v", block, want)
	}
	for _, fn := range fns {
		fn()
	}
	if ended != 1 {
		t.Errorf("ended = %d; want 1", ended)
	}
	if got, want := c.CurrentTime(), 8.0/24000; got != want {
		t.Errorf("CurrentTime = %v; want %v", got, want)
	}
}

func TestContext_MixesOverlappingSourcesAndClamps(t *testing.T) {
	t.Parallel()

	c := newContext(mock.NewOutputStream(audio.PlaybackFormat), WithBlockFrames(2))
	c.Start(constBuf(2, 0.75), 0, nil)
	c.Start(constBuf(2, 0.75), 0, nil)

	block := make([]float32, 2)
	c.render(block)
	if want := []float32{1, 1}; !equal(block, want) {
		t.Errorf("block = %v; want clamped %v", block, want)
	}
}

func TestContext_StoppedSourceIsSilentAndDoesNotEnd(t *testing.T) {
	t.Parallel()

	c := newContext(mock.NewOutputStream(audio.PlaybackFormat), WithBlockFrames(4))
	ended := 0
	src := c.Start(constBuf(8, 0.5), 0, func() { ended++ })
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping twice is fine.
	_ = src.Stop()

	block := make([]float32, 4)
	for range 3 {
		fns, _ := c.render(block)
		for _, fn := range fns {
			fn()
		}
		if !equal(block, make([]float32, 4)) {
			t.Fatalf("block = %v; want silence", block)
		}
	}
	if ended != 0 {
		t.Errorf("ended = %d; want 0 for a stopped source", ended)
	}
}

func TestContext_ResamplesToDeviceFormat(t *testing.T) {
	t.Parallel()

	dev := audio.Format{SampleRate: 48000, Channels: 2}
	c := newContext(mock.NewOutputStream(dev), WithBlockFrames(8))
	c.Start(constBuf(4, 0.5), 0, nil) // 4 frames at 24 kHz → 8 frames at 48 kHz

	block := make([]float32, 16)
	fns, _ := c.render(block)
	if len(fns) != 0 {
		t.Errorf("nil onEnded should not be returned")
	}
	for i, v := range block {
		if v != 0.5 {
			t.Fatalf("sample %d = %v; want 0.5", i, v)
		}
	}
}

func TestContext_FeedsAnalyser(t *testing.T) {
	t.Parallel()

	a := spectrum.NewAnalyser(spectrum.WithSmoothing(0))
	c := newContext(mock.NewOutputStream(audio.PlaybackFormat), WithBlockFrames(256), WithAnalyser(a))
	buf := constBuf(256, 0)
	// A quarter-rate tone: 0, 0.8, 0, -0.8, …
	for i := range buf.Samples {
		switch i % 4 {
		case 1:
			buf.Samples[i] = 0.8
		case 3:
			buf.Samples[i] = -0.8
		}
	}
	c.Start(buf, 0, nil)
	c.render(make([]float32, 256))

	var nonZero bool
	for _, b := range a.ByteFrequencyData(nil) {
		if b > 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("analyser saw only silence")
	}
}

func TestContext_RunAndClose(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream(audio.PlaybackFormat)
	c := NewContext(out, WithBlockFrames(480))

	ended := make(chan struct{})
	c.Start(constBuf(480, 0.1), 0, func() { close(ended) })
	out.Tick(1)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("source never ended")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if !out.Closed() {
		t.Error("output stream not closed")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v; want nil after a clean close", c.Err())
	}

	// Starting after close is inert.
	src := c.Start(constBuf(10, 0.1), 0, func() { t.Error("onEnded after close") })
	if err := src.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestContext_StartInThePastPlaysWholeBuffer(t *testing.T) {
	t.Parallel()

	c := newContext(mock.NewOutputStream(audio.PlaybackFormat), WithBlockFrames(4))
	block := make([]float32, 4)
	c.render(block) // clock is now at frame 4

	ended := 0
	// The caller read the clock before that block was mixed.
	c.Start(constBuf(4, 0.5), 0, func() { ended++ })

	fns, _ := c.render(block)
	for _, fn := range fns {
		fn()
	}
	if want := []float32{0.5, 0.5, 0.5, 0.5}; !equal(block, want) {
		t.Errorf("block = %v; want %v", block, want)
	}
	if ended != 1 {
		t.Errorf("ended = %d; want 1", ended)
	}
}

func TestContext_CloseReleasesDeviceAfterRenderExits(t *testing.T) {
	t.Parallel()

	out := mock.NewOutputStream(audio.PlaybackFormat)
	c := NewContext(out, WithBlockFrames(480))

	deadline := time.Now().Add(2 * time.Second)
	for out.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("render goroutine never reached the device")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out.ClosedDuringWrite() {
		t.Error("device released while a Write was still in flight")
	}
	if !out.Closed() {
		t.Error("output stream not closed")
	}
}

func equal(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
