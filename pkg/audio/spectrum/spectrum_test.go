package spectrum_test

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fidelai/fidel/pkg/audio/spectrum"
)

func sine(freq, rate float64, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return s
}

func TestAnalyser_Bins(t *testing.T) {
	t.Parallel()
	a := spectrum.NewAnalyser()
	if a.Bins() != 128 {
		t.Errorf("Bins = %d; want 128", a.Bins())
	}
	if got := spectrum.NewAnalyser(spectrum.WithFFTSize(100)).Bins(); got != 128 {
		t.Errorf("non power-of-two size should be ignored, Bins = %d", got)
	}
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()
	a := spectrum.NewAnalyser()
	a.Write(make([]float32, 512))
	for i, b := range a.ByteFrequencyData(nil) {
		if b != 0 {
			t.Fatalf("bin %d = %d; want 0 for silence", i, b)
		}
	}
}

func TestAnalyser_ToneLandsInExpectedBin(t *testing.T) {
	t.Parallel()

	// 16 kHz, 256-point FFT: 62.5 Hz per bin. 2 kHz → bin 32.
	a := spectrum.NewAnalyser(spectrum.WithSmoothing(0))
	a.Write(sine(2000, 16000, 1024))
	bins := a.ByteFrequencyData(nil)

	peak := 0
	for i := range bins {
		if bins[i] > bins[peak] {
			peak = i
		}
	}
	if peak < 31 || peak > 33 {
		t.Errorf("peak bin = %d; want ≈32", peak)
	}
	if bins[peak] == 0 {
		t.Error("peak bin should be non-zero")
	}
}

func TestVisualizer_BucketsAndVolume(t *testing.T) {
	t.Parallel()

	a := spectrum.NewAnalyser(spectrum.WithSmoothing(0))
	a.Write(sine(1000, 16000, 1024))

	v := spectrum.NewVisualizer(spectrum.DefaultBuckets)
	f := v.Tick(a)
	if len(f.Bars) != 32 {
		t.Fatalf("bars = %d; want 32", len(f.Bars))
	}
	if f.Volume <= 0 || f.Volume > 1 {
		t.Errorf("Volume = %v; want in (0, 1]", f.Volume)
	}
	var nonZero int
	for _, b := range f.Bars {
		if b < 0 || b > 1 {
			t.Fatalf("bar %v out of [0,1]", b)
		}
		if b > 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Error("expected at least one non-zero bar for a tone")
	}
}

func TestVisualizer_DecaysWithoutAnalyser(t *testing.T) {
	t.Parallel()

	a := spectrum.NewAnalyser(spectrum.WithSmoothing(0))
	a.Write(sine(1000, 16000, 1024))
	v := spectrum.NewVisualizer(4)
	first := v.Tick(a)

	second := v.Tick(nil)
	for i := range first.Bars {
		want := first.Bars[i] * 0.85
		if math.Abs(second.Bars[i]-want) > 1e-12 {
			t.Errorf("bar %d = %v; want %v", i, second.Bars[i], want)
		}
	}
	if want := first.Volume * 0.9; math.Abs(second.Volume-want) > 1e-12 {
		t.Errorf("Volume = %v; want %v", second.Volume, want)
	}

	// Decay approaches zero without snapping.
	var last spectrum.Frame
	for range 200 {
		last = v.Tick(nil)
	}
	if last.Volume > 1e-6 {
		t.Errorf("Volume after long decay = %v; want ≈0", last.Volume)
	}
}

func TestVisualizer_FrameIsACopy(t *testing.T) {
	t.Parallel()
	v := spectrum.NewVisualizer(2)
	f := v.Tick(nil)
	f.Bars[0] = 42
	if g := v.Tick(nil); g.Bars[0] == 42 {
		t.Error("mutating a returned Frame must not affect the visualizer")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var frames atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		spectrum.Run(ctx, spectrum.NewVisualizer(8), time.Millisecond,
			func() *spectrum.Analyser { return nil },
			func(spectrum.Frame) { frames.Add(1) })
	}()

	deadline := time.After(2 * time.Second)
	for frames.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for frames")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
