package playback

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
)

var _ Output = (*Context)(nil)

// defaultBlockFrames is 20 ms at 24 kHz.
const defaultBlockFrames = 480

// ContextOption configures a [Context].
type ContextOption func(*Context)

// WithBlockFrames sets how many sample frames are mixed per device write.
func WithBlockFrames(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.blockFrames = n
		}
	}
}

// WithAnalyser taps the mixed output into a for visualisation.
func WithAnalyser(a *spectrum.Analyser) ContextOption {
	return func(c *Context) { c.analyser = a }
}

// WithContextLogger sets the logger. Defaults to slog.Default().
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *Context) { c.log = l }
}

// Context is a playback processing context bound to one output device. A
// render goroutine mixes all started sources into fixed blocks and writes them
// to the device; the device's blocking writes pace the clock. Silence is
// rendered when nothing is playing so the clock keeps running.
//
// A Context belongs to exactly one session and is never reused after Close.
type Context struct {
	out         audio.OutputStream
	format      audio.Format
	blockFrames int
	analyser    *spectrum.Analyser
	log         *slog.Logger
	conv        audio.FormatConverter

	mu      sync.Mutex
	frame   int64 // frames mixed so far; the clock
	sources []*source
	closed  bool
	err     error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewContext starts a Context rendering to out. The stream is owned by the
// Context from now on and closed by [Context.Close].
func NewContext(out audio.OutputStream, opts ...ContextOption) *Context {
	c := newContext(out, opts...)
	c.wg.Add(1)
	go c.run()
	return c
}

func newContext(out audio.OutputStream, opts ...ContextOption) *Context {
	c := &Context{
		out:         out,
		format:      out.Format(),
		blockFrames: defaultBlockFrames,
		log:         slog.Default(),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.conv.Target = c.format
	return c
}

// Format returns the device format the Context renders in.
func (c *Context) Format() audio.Format { return c.format }

// Analyser returns the output analyser, or nil.
func (c *Context) Analyser() *spectrum.Analyser { return c.analyser }

// CurrentTime implements [Output]. It is the time of the next block to be
// mixed, so anything started at or after it is heard in full.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frame) / float64(c.format.SampleRate)
}

// Start implements [Output]. buf is converted to the device format if needed.
// A start time already in the past plays from the next block instead.
// Starting on a closed Context returns a source that does nothing.
func (c *Context) Start(buf *audio.PlaybackBuffer, at float64, onEnded func()) Source {
	samples := c.conv.Convert(buf.Samples, buf.Format)
	src := &source{
		ctx:        c,
		samples:    samples,
		startFrame: int64(math.Round(at * float64(c.format.SampleRate))),
		onEnded:    onEnded,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		src.stopped = true
		return src
	}
	// A block may have been mixed since the caller read the clock; frames
	// before c.frame can no longer be heard.
	src.startFrame = max(src.startFrame, c.frame)
	c.sources = append(c.sources, src)
	return src
}

// Done is closed when the render goroutine exits, either through Close or a
// device failure reported by [Context.Err].
func (c *Context) Done() <-chan struct{} { return c.done }

// Err returns the device error that stopped rendering, if any.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops rendering, drops every source without running its onEnded
// callback, waits for the render goroutine, and then releases the device.
// Idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.sources = nil
	c.mu.Unlock()

	stopErr := c.out.Stop()
	c.wg.Wait()
	return errors.Join(stopErr, c.out.Close())
}

func (c *Context) run() {
	defer c.wg.Done()
	defer close(c.done)

	block := make([]float32, c.blockFrames*c.format.Channels)
	for {
		ended, ok := c.render(block)
		if !ok {
			return
		}
		for _, fn := range ended {
			fn()
		}
		if err := c.out.Write(block); err != nil {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				c.err = err
			}
			c.mu.Unlock()
			if !closed && !errors.Is(err, audio.ErrStreamClosed) {
				c.log.Error("playback: device write failed", "err", err)
			}
			return
		}
	}
}

// render mixes the next block into dst, advances the clock, and returns the
// onEnded callbacks of sources that finished within it. It reports false
// once the Context is closed.
func (c *Context) render(dst []float32) (ended []func(), ok bool) {
	clear(dst)

	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		if ok && c.analyser != nil {
			c.analyser.Write(dst)
		}
	}()
	if c.closed {
		return nil, false
	}

	ch := int64(c.format.Channels)
	blockStart := c.frame
	blockEnd := blockStart + int64(c.blockFrames)

	kept := c.sources[:0]
	for _, s := range c.sources {
		if s.stopped {
			continue
		}
		srcFrames := int64(len(s.samples)) / ch
		srcEnd := s.startFrame + srcFrames

		from := max(blockStart, s.startFrame)
		to := min(blockEnd, srcEnd)
		for f := from; f < to; f++ {
			di := (f - blockStart) * ch
			si := (f - s.startFrame) * ch
			for k := range ch {
				dst[di+k] += s.samples[si+k]
			}
		}

		if srcEnd <= blockEnd {
			s.stopped = true
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(c.sources[len(kept):])
	c.sources = kept

	for i, v := range dst {
		switch {
		case v > 1:
			dst[i] = 1
		case v < -1:
			dst[i] = -1
		}
	}
	c.frame = blockEnd
	return ended, true
}

// source is one buffer started on a Context.
type source struct {
	ctx        *Context
	samples    []float32
	startFrame int64
	onEnded    func()

	// stopped is guarded by ctx.mu.
	stopped bool
}

// Stop implements [Source].
func (s *source) Stop() error {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	s.stopped = true
	return nil
}
