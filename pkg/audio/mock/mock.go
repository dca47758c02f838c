// Package mock provides in-memory implementations of [audio.Platform],
// [audio.InputStream], and [audio.OutputStream] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on what was opened and closed, and they let the test drive time: capture
// data is pushed explicitly and playback blocks are released one tick at a
// time.
//
// Typical usage:
//
//	p := &mock.Platform{}
//	in, _ := p.OpenInput(ctx, audio.InputConfig{Format: audio.CaptureFormat})
//	p.LastInput().Push(make([]float32, 4096)...)
package mock

import (
	"context"
	"sync"

	"github.com/fidelai/fidel/pkg/audio"
)

var (
	_ audio.Platform     = (*Platform)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform]. Every successful Open call creates a
// fresh stream, recorded in Inputs or Outputs.
type Platform struct {
	mu sync.Mutex

	// InputErr, when set, is returned by OpenInput.
	InputErr error

	// OutputErr, when set, is returned by OpenOutput.
	OutputErr error

	// OutputFormat overrides the format reported by opened output streams.
	OutputFormat audio.Format

	// InputFormat overrides the format reported by opened input streams.
	InputFormat audio.Format

	// InputConfigs and OutputConfigs record every Open call's configuration.
	InputConfigs  []audio.InputConfig
	OutputConfigs []audio.OutputConfig

	// Inputs and Outputs hold the streams handed out, in order.
	Inputs  []*InputStream
	Outputs []*OutputStream
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InputConfigs = append(p.InputConfigs, cfg)
	if p.InputErr != nil {
		return nil, p.InputErr
	}
	f := cfg.Format
	if p.InputFormat.Valid() {
		f = p.InputFormat
	}
	s := NewInputStream(f)
	p.Inputs = append(p.Inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OutputConfigs = append(p.OutputConfigs, cfg)
	if p.OutputErr != nil {
		return nil, p.OutputErr
	}
	f := cfg.Format
	if p.OutputFormat.Valid() {
		f = p.OutputFormat
	}
	s := NewOutputStream(f)
	p.Outputs = append(p.Outputs, s)
	return s, nil
}

// InputCount returns how many input streams were opened successfully.
func (p *Platform) InputCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Inputs)
}

// OpenInputCalls returns how many times OpenInput was called.
func (p *Platform) OpenInputCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.InputConfigs)
}

// LastInput returns the most recently opened input stream, or nil.
func (p *Platform) LastInput() *InputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Inputs) == 0 {
		return nil
	}
	return p.Inputs[len(p.Inputs)-1]
}

// LastOutput returns the most recently opened output stream, or nil.
func (p *Platform) LastOutput() *OutputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Outputs) == 0 {
		return nil
	}
	return p.Outputs[len(p.Outputs)-1]
}

// AllClosed reports whether every stream handed out has been closed.
func (p *Platform) AllClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.Inputs {
		if !s.Closed() {
			return false
		}
	}
	for _, s := range p.Outputs {
		if !s.Closed() {
			return false
		}
	}
	return true
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock capture device. Read blocks until enough samples have
// been pushed with [InputStream.Push] or the stream is closed.
type InputStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	format  audio.Format
	pending []float32
	stopped bool
	closed  bool

	reading        int
	closeCalls     int
	closedDuringIO bool
}

// NewInputStream returns an open mock input in format f.
func NewInputStream(f audio.Format) *InputStream {
	s := &InputStream{format: f}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push makes samples available to Read.
func (s *InputStream) Push(samples ...float32) {
	s.mu.Lock()
	s.pending = append(s.pending, samples...)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(buf []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading++
	defer func() { s.reading-- }()
	for len(s.pending) < len(buf) && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return audio.ErrStreamClosed
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return nil
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Stop implements [audio.InputStream].
func (s *InputStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	if s.reading > 0 {
		s.closedDuringIO = true
	}
	s.stopped = true
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// InFlight returns how many Read calls are currently blocked or running.
func (s *InputStream) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// ClosedDuringRead reports whether Close ran while a Read was still in
// flight, which a real device would not survive.
func (s *InputStream) ClosedDuringRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedDuringIO
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock playback device. Each Write blocks until the test
// releases it with [OutputStream.Tick], which makes the device clock fully
// test-controlled.
type OutputStream struct {
	format audio.Format
	gate   chan struct{}
	done   chan struct{}

	mu             sync.Mutex
	stopped        bool
	closed         bool
	written        []float32
	blocks         int
	writing        int
	closeCalls     int
	closedDuringIO bool
}

// NewOutputStream returns an open mock output in format f.
func NewOutputStream(f audio.Format) *OutputStream {
	return &OutputStream{
		format: f,
		gate:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Tick releases n pending or future Write calls, blocking until each has been
// picked up. It returns early if the stream is stopped.
func (s *OutputStream) Tick(n int) {
	for range n {
		select {
		case s.gate <- struct{}{}:
		case <-s.done:
			return
		}
	}
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(buf []float32) error {
	s.mu.Lock()
	s.writing++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.writing--
		s.mu.Unlock()
	}()

	select {
	case <-s.gate:
	case <-s.done:
		return audio.ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return audio.ErrStreamClosed
	}
	s.written = append(s.written, buf...)
	s.blocks++
	return nil
}

// Format implements [audio.OutputStream].
func (s *OutputStream) Format() audio.Format { return s.format }

// Stop implements [audio.OutputStream].
func (s *OutputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *OutputStream) stopLocked() {
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.writing > 0 {
		s.closedDuringIO = true
	}
	s.stopLocked()
	s.closed = true
	return nil
}

// InFlight returns how many Write calls are currently blocked or running.
func (s *OutputStream) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writing
}

// ClosedDuringWrite reports whether Close ran while a Write was still in
// flight.
func (s *OutputStream) ClosedDuringWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedDuringIO
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Written returns a copy of every sample written so far.
func (s *OutputStream) Written() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.written))
	copy(out, s.written)
	return out
}

// Blocks returns how many Write calls completed.
func (s *OutputStream) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks
}
