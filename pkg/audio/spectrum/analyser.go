// Package spectrum turns audio flowing through the pipeline into the bar-graph
// levels shown while a tutoring session runs.
//
// An [Analyser] taps a stream (capture or playback) and keeps the most recent
// window of samples. A [Visualizer] reads whichever analyser is current once
// per animation tick and produces a decaying [Frame]. Nothing here can affect
// session state.
package spectrum

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize matches the analysis window used for both directions.
	DefaultFFTSize = 256

	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
)

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithFFTSize sets the analysis window length. It must be a power of two of
// at least 32; other values are ignored.
func WithFFTSize(n int) AnalyserOption {
	return func(a *Analyser) {
		if n >= 32 && n&(n-1) == 0 {
			a.size = n
		}
	}
}

// WithSmoothing sets the time-constant used to blend successive spectra,
// in [0, 1).
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the dB range mapped onto byte values 0..255.
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser computes a smoothed magnitude spectrum of the latest samples
// written to it. It is safe for concurrent use: the audio goroutine writes and
// the visualizer reads.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float32
	pos      int
	fft      *fourier.FFT
	window   []float64
	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser returns an Analyser with a Blackman window of DefaultFFTSize
// samples unless overridden.
func NewAnalyser(opts ...AnalyserOption) *Analyser {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float32, a.size)
	a.fft = fourier.NewFFT(a.size)
	a.seq = make([]float64, a.size)
	a.smoothed = make([]float64, a.size/2)
	a.window = blackman(a.size)
	return a
}

// Bins returns the number of frequency bins, half the FFT size.
func (a *Analyser) Bins() int { return a.size / 2 }

// Write appends samples to the analysis window, keeping the most recent
// FFT-size samples.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.size {
		copy(a.ring, samples[len(samples)-a.size:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData computes the current spectrum and writes one byte per bin
// into dst, growing it if needed. 0 is at or below the minimum dB, 255 at or
// above the maximum.
func (a *Analyser) ByteFrequencyData(dst []uint8) []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	bins := a.size / 2
	if cap(dst) < bins {
		dst = make([]uint8, bins)
	}
	dst = dst[:bins]

	for i := range a.size {
		a.seq[i] = float64(a.ring[(a.pos+i)%a.size]) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	scale := 255 / (a.maxDB - a.minDB)
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := (db - a.minDB) * scale
		switch {
		case v <= 0 || math.IsNaN(v):
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = uint8(v)
		}
	}
	return dst
}

// Reset clears the window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range n {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
