// Package playback schedules decoded model speech for gapless output and
// renders it to an audio device.
//
// The [Scheduler] keeps the playback cursor: every buffer starts at
// max(cursor, now) and pushes the cursor forward by its duration, so buffers
// play back to back in arrival order no matter how the network delivers them.
// [Context] is the output clock and mixer the scheduler talks to.
package playback

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fidelai/fidel/pkg/audio"
)

// Source is a buffer started on an [Output]. Stop halts it immediately; it is
// safe to call on a source that has already finished.
type Source interface {
	Stop() error
}

// Output is the playback clock and sink the scheduler drives.
type Output interface {
	// CurrentTime returns the output clock in seconds.
	CurrentTime() float64

	// Start plays buf beginning at clock time at. onEnded runs once when the
	// buffer finishes naturally; it does not run for stopped sources.
	Start(buf *audio.PlaybackBuffer, at float64, onEnded func()) Source
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithUsageHook registers fn to be called once per scheduled buffer with its
// duration.
func WithUsageHook(fn func(time.Duration)) Option {
	return func(s *Scheduler) { s.onUsage = fn }
}

// WithIdleHook registers fn to be called when the last active source ends
// naturally, which means the model has finished speaking.
func WithIdleHook(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ─────────────────────────────────────────────────────────────────

// Scheduler owns the playback cursor and the set of active sources.
// It is safe for concurrent use.
type Scheduler struct {
	out     Output
	onUsage func(time.Duration)
	onIdle  func()
	log     *slog.Logger

	mu     sync.Mutex
	cursor float64
	active map[*entry]struct{}
}

type entry struct {
	src   Source
	start float64
	end   float64
}

// NewScheduler returns a Scheduler writing to out.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    slog.Default(),
		active: make(map[*entry]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule starts buf at max(cursor, now), adds it to the active set, and
// advances the cursor by its duration. It returns the start time.
// Empty buffers are ignored and return the current cursor.
func (s *Scheduler) Schedule(buf *audio.PlaybackBuffer) float64 {
	if buf == nil || len(buf.Samples) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cursor
	}

	s.mu.Lock()
	start := math.Max(s.cursor, s.out.CurrentTime())
	e := &entry{start: start, end: start + buf.Seconds()}
	s.cursor = e.end
	s.active[e] = struct{}{}
	// Start under the lock so arrival order equals start order.
	e.src = s.out.Start(buf, start, func() { s.ended(e) })
	s.mu.Unlock()

	if s.onUsage != nil {
		s.onUsage(buf.Duration())
	}
	return start
}

// ended removes e from the active set and fires the idle hook when the set
// becomes empty. Stopped sources are already gone, which makes this a no-op.
func (s *Scheduler) ended(e *entry) {
	s.mu.Lock()
	if _, ok := s.active[e]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, e)
	idle := len(s.active) == 0
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Interrupt stops every active source, clears the set, and resets the cursor
// to zero so the next buffer starts at the current output time. Stop errors
// are logged and otherwise ignored. It returns the number of sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := make([]*entry, 0, len(s.active))
	for e := range s.active {
		stopped = append(stopped, e)
	}
	clear(s.active)
	s.cursor = 0
	s.mu.Unlock()

	for _, e := range stopped {
		if e.src == nil {
			continue
		}
		if err := e.src.Stop(); err != nil {
			s.log.Debug("playback: stop source", "err", err)
		}
	}
	return len(stopped)
}

// Active returns the number of scheduled or playing sources.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Speaking reports whether any source is scheduled or playing.
func (s *Scheduler) Speaking() bool { return s.Active() > 0 }

// Cursor returns the earliest time the next buffer may start.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
