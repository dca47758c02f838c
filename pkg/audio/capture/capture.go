// Package capture turns a microphone stream into fixed-size encoded frames
// ready for the transport.
//
// A [Pipeline] owns its [audio.InputStream] for its whole life. Once started,
// it reads one frame per tick (4096 samples at 16 kHz by default), encodes it,
// feeds the capture analyser, fires the per-frame hook, and offers the
// [audio.EncodedFrame] on [Pipeline.Frames]. Close stops reading and releases
// the device immediately.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

const defaultBuffer = 8

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithFormat sets the format frames are produced in. Device audio is
// converted to it. Defaults to [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.target = f
		}
	}
}

// WithAnalyser taps every captured frame into a.
func WithAnalyser(a *spectrum.Analyser) Option {
	return func(p *Pipeline) { p.analyser = a }
}

// WithFrameHook registers fn to run once per captured frame. It is the usage
// metering hook point and runs on the capture goroutine.
func WithFrameHook(fn func(audio.AudioFrame)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// WithDropHook registers fn to run whenever a frame is dropped because the
// consumer fell behind.
func WithDropHook(fn func()) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// WithBuffer sets the capacity of the outbound frame channel.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// ── Pipeline ──────────────────────────────────────────────────────────────────

// Pipeline reads, frames, and encodes microphone audio.
type Pipeline struct {
	in        audio.InputStream
	target    audio.Format
	frameSize int
	buffer    int
	analyser  *spectrum.Analyser
	onFrame   func(audio.AudioFrame)
	onDrop    func()
	log       *slog.Logger
	conv      audio.FormatConverter

	out      chan audio.EncodedFrame
	produced atomic.Int64
	dropped  atomic.Int64
	warnDrop sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
	wg      sync.WaitGroup
}

// New returns a Pipeline reading from in. Nothing is read until
// [Pipeline.Start].
func New(in audio.InputStream, opts ...Option) *Pipeline {
	p := &Pipeline{
		in:        in,
		target:    audio.CaptureFormat,
		frameSize: DefaultFrameSize,
		buffer:    defaultBuffer,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.conv.Target = p.target
	p.out = make(chan audio.EncodedFrame, p.buffer)
	return p
}

// Frames returns the channel of encoded frames. It is closed when capture
// stops, whether through Close or a device error reported by [Pipeline.Err].
func (p *Pipeline) Frames() <-chan audio.EncodedFrame { return p.out }

// Start begins capturing. Calling it again, or after Close, does nothing.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

// Close stops capturing, waits for the capture goroutine to exit, and then
// releases the input device. Idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	stopErr := p.in.Stop()
	p.wg.Wait()
	if !started {
		close(p.out)
	}
	return errors.Join(stopErr, p.in.Close())
}

// Err returns the device error that stopped capture, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Produced returns the number of frames captured so far.
func (p *Pipeline) Produced() int64 { return p.produced.Load() }

// Dropped returns the number of frames discarded because the consumer was
// not keeping up.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// deviceBlock returns how many device samples make up one output frame.
func (p *Pipeline) deviceBlock(dev audio.Format) int {
	if !dev.Valid() {
		return p.frameSize
	}
	frames := int(int64(p.frameSize) * int64(dev.SampleRate) / int64(p.target.SampleRate))
	return max(frames, 1) * dev.Channels
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	defer close(p.out)

	dev := p.in.Format()
	if !dev.Valid() {
		dev = p.target
	}
	raw := make([]float32, p.deviceBlock(dev))
	var acc []float32
	var seq int64

	for {
		if err := p.in.Read(raw); err != nil {
			if p.isClosed() || errors.Is(err, audio.ErrStreamClosed) {
				return
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.log.Error("capture: device read failed", "err", err)
			return
		}

		acc = append(acc, p.conv.Convert(raw, dev)...)
		for len(acc) >= p.frameSize {
			samples := make([]float32, p.frameSize)
			copy(samples, acc)
			acc = acc[p.frameSize:]

			p.emit(audio.AudioFrame{
				Samples:   samples,
				Format:    p.target,
				Timestamp: p.target.Duration(int(seq) * p.frameSize),
			})
			seq++
		}
	}
}

func (p *Pipeline) emit(frame audio.AudioFrame) {
	enc := audio.EncodeFrame(frame)
	if p.analyser != nil {
		p.analyser.Write(frame.Samples)
	}
	p.produced.Add(1)
	if p.onFrame != nil {
		p.onFrame(frame)
	}

	select {
	case p.out <- enc:
	default:
		p.warnDrop.Do(func() {
			p.log.Warn("capture: consumer is behind, dropping frames")
		})
		if p.onDrop != nil {
			p.onDrop()
		}
		p.dropped.Add(1)
	}
}
