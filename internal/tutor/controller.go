// Package tutor runs live tutoring sessions: it owns the microphone and
// speaker for the lifetime of a session, streams captured audio to a
// speech-to-speech provider, and schedules the spoken replies.
//
// A [Controller] holds at most one session at a time. Each session moves
// through Idle → Connecting → Active → Closed. Closed is terminal; the next
// Start builds every resource afresh. All failures funnel through the single
// transition to Closed, which records an [EndReason] that subscribers see in
// the final [EventEnded].
package tutor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/observe"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

const (
	defaultQuotaInterval  = time.Second
	defaultConnectTimeout = 15 * time.Second
)

// Settings are applied when a session starts. Changing them never affects a
// running session.
type Settings struct {
	Persona Persona

	// Voice is the prebuilt voice name.
	Voice string

	// Model overrides the provider's default model when non-empty.
	Model string

	// InputTranscription and OutputTranscription request transcripts of
	// the student and the tutor respectively.
	InputTranscription  bool
	OutputTranscription bool

	// Rates is the metering policy. A zero rate disables that direction.
	Rates metering.Rates

	// FrameSize is the number of samples per captured frame.
	FrameSize int

	// QuotaInterval is how often the balance is polled while a session runs.
	QuotaInterval time.Duration

	// ConnectTimeout bounds device acquisition plus the wait for the
	// provider's setup acknowledgement.
	ConnectTimeout time.Duration
}

// DefaultSettings returns the production settings.
func DefaultSettings() Settings {
	return Settings{
		Persona:        Persona{Grade: DefaultGrade},
		Voice:          DefaultVoice,
		Rates:          metering.DefaultRates,
		QuotaInterval:  defaultQuotaInterval,
		ConnectTimeout: defaultConnectTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.QuotaInterval <= 0 {
		s.QuotaInterval = defaultQuotaInterval
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return s
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Controller].
type Option func(*Controller)

// WithSettings sets the initial session settings.
func WithSettings(s Settings) Option {
	return func(c *Controller) { c.settings = s.withDefaults() }
}

// WithMetrics records session metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(c *Controller) { c.providerName = name }
}

// ── Controller ────────────────────────────────────────────────────────────────

// Controller starts and stops tutoring sessions. All exported methods are safe
// for concurrent use.
type Controller struct {
	platform     audio.Platform
	provider     s2s.Provider
	balance      metering.Balance
	metrics      *observe.Metrics
	log          *slog.Logger
	providerName string

	// startMu serialises Start so a new session is never built before the
	// previous one has been torn down.
	startMu sync.Mutex

	mu       sync.Mutex
	settings Settings
	current  *session
	last     Status
	closed   bool

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

// New returns a Controller using platform for audio devices, provider for
// the conversation, and balance as the funds gate. balance may be nil to run
// without a quota.
func New(platform audio.Platform, provider s2s.Provider, balance metering.Balance, opts ...Option) *Controller {
	c := &Controller{
		platform:     platform,
		provider:     provider,
		balance:      balance,
		log:          slog.Default(),
		providerName: "s2s",
		settings:     DefaultSettings(),
		last:         Status{State: StateIdle},
		subs:         make(map[int]chan Event),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Settings returns the settings the next session will use.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings replaces the settings for subsequent sessions.
func (c *Controller) SetSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s.withDefaults()
}

// Start tears down any running session, checks the balance, acquires the
// audio devices, and opens the transport. It returns once the session is
// Connecting; the move to Active happens when the provider acknowledges the
// setup and is reported through [Controller.Subscribe].
//
// With an exhausted balance Start returns [ErrQuotaExceeded] without opening
// any device. Device failures wrap [*audio.PermissionError] when access was
// denied. A Stop issued while Start is still acquiring resources makes Start
// return nil after the partial session is released.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		prev.end(ReasonUserStop, nil)
		<-prev.done
	}

	if c.balance != nil && c.balance.Remaining() <= 0 {
		c.mu.Lock()
		c.last = Status{State: StateIdle, Reason: ReasonQuotaExceeded, Err: ErrQuotaExceeded}
		c.mu.Unlock()
		c.log.Warn("tutor: start refused", "reason", ReasonQuotaExceeded.String())
		return ErrQuotaExceeded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s := newSession(ctx, c, c.settings)
	c.current = s
	c.mu.Unlock()

	s.log.Info("tutor: session connecting", "voice", s.settings.Voice, "grade", s.settings.Persona.Grade)
	c.publish(Event{Kind: EventState, SessionID: s.id, State: StateConnecting})

	if err := s.open(ctx); err != nil {
		// open has already recorded a specific reason; this is the fallback.
		s.end(ReasonConnectFailed, err)
		s.teardown()
		switch s.endReason() {
		case ReasonUserStop:
			return nil
		case ReasonShutdown:
			return ErrClosed
		}
		return err
	}

	go s.run()
	return nil
}

// Stop ends the running session, if any, and waits until its devices and
// transport are released. It is safe to call in any state and any number of
// times.
func (c *Controller) Stop() error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.end(ReasonUserStop, nil)
	<-s.done
	return nil
}

// Close stops the running session with [ReasonShutdown] and refuses further
// starts. Subscriber channels are closed. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.current
	c.mu.Unlock()

	if s != nil {
		s.end(ReasonShutdown, nil)
		<-s.done
	}

	c.subMu.Lock()
	c.subsClosed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	return nil
}

// Status returns a snapshot of the current session, or of the most recent
// one when nothing is running.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.current
	last := c.last
	c.mu.Unlock()
	if s == nil {
		return last
	}
	return s.status()
}

// ActiveAnalyser returns the analyser matching the current sub-state: the
// playback analyser while the tutor speaks, the capture analyser while it
// listens. It returns nil unless a session is Active.
func (c *Controller) ActiveAnalyser() *spectrum.Analyser {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.analyser()
}

// Subscribe returns a channel receiving state changes, transcripts, and
// session ends, plus a function that unsubscribes and closes the channel.
// Delivery is best effort: events are dropped when the channel is full.
// After Close the channel is returned already closed.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))

	c.subMu.Lock()
	if c.subsClosed {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finished is called by a session once its teardown is complete.
func (c *Controller) finished(s *session) {
	st := s.status()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
	c.last = st
}

// quotaExhausted reports whether the balance has run out.
func (c *Controller) quotaExhausted() bool {
	return c.balance != nil && c.balance.Remaining() <= 0
}
