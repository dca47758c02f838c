package spectrum

import (
	"context"
	"time"
)

const (
	// DefaultBuckets is the number of bars in a [Frame].
	DefaultBuckets = 32

	barDecay    = 0.85
	volumeDecay = 0.9
)

// Frame is one rendered visualizer state. Bars and Volume are normalised to
// [0, 1].
type Frame struct {
	Bars   []float64
	Volume float64
}

// Visualizer collapses analyser bins into a fixed number of bars. Without an
// analyser the previous levels decay geometrically instead of snapping to
// zero. A Visualizer is owned by one rendering goroutine.
type Visualizer struct {
	bars   []float64
	volume float64
	bins   []uint8
}

// NewVisualizer returns a Visualizer with the given number of bars; values
// below one fall back to [DefaultBuckets].
func NewVisualizer(buckets int) *Visualizer {
	if buckets < 1 {
		buckets = DefaultBuckets
	}
	return &Visualizer{bars: make([]float64, buckets)}
}

// Tick advances one animation frame reading from a, which may be nil when no
// analyser is active. The returned Frame owns its own slice.
func (v *Visualizer) Tick(a *Analyser) Frame {
	if a == nil {
		for i := range v.bars {
			v.bars[i] *= barDecay
		}
		v.volume *= volumeDecay
		return v.snapshot()
	}

	v.bins = a.ByteFrequencyData(v.bins)

	var sum float64
	for _, b := range v.bins {
		sum += float64(b)
	}
	v.volume = sum / float64(len(v.bins)) / 255

	step := len(v.bins) / len(v.bars)
	if step < 1 {
		step = 1
	}
	for i := range v.bars {
		lo := i * step
		if lo >= len(v.bins) {
			v.bars[i] = 0
			continue
		}
		hi := min(lo+step, len(v.bins))
		var s float64
		for _, b := range v.bins[lo:hi] {
			s += float64(b)
		}
		v.bars[i] = s / float64(hi-lo) / 255
	}
	return v.snapshot()
}

func (v *Visualizer) snapshot() Frame {
	bars := make([]float64, len(v.bars))
	copy(bars, v.bars)
	return Frame{Bars: bars, Volume: v.volume}
}

// Run drives v at the given interval until ctx ends, asking source for the
// current analyser on every tick and passing each Frame to emit. Both
// callbacks run on the ticking goroutine and must not block.
func Run(ctx context.Context, v *Visualizer, interval time.Duration, source func() *Analyser, emit func(Frame)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			emit(v.Tick(source()))
		}
	}
}
