package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/observe"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/capture"
	"github.com/fidelai/fidel/pkg/audio/playback"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

// session is one Connecting → Active → Closed lifetime. Its event loop
// goroutine owns the state transitions; stop requests from any goroutine go
// through end, and teardown runs exactly once.
type session struct {
	id       string
	ctl      *Controller
	settings Settings
	meter    *metering.Meter
	log      *slog.Logger
	span     trace.Span
	started  time.Time

	// ctx is cancelled by end. It bounds startup and every blocking call
	// made on behalf of the session.
	ctx    context.Context
	cancel context.CancelFunc

	capture     *capture.Pipeline
	capAnalyser *spectrum.Analyser
	output      *playback.Context
	sched       *playback.Scheduler
	handle      s2s.SessionHandle
	dialed      time.Time

	idle      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	endOnce   sync.Once
	tearOnce  sync.Once
	wg        sync.WaitGroup
	warnChunk sync.Once

	mu       sync.Mutex
	state    State
	speaking bool
	reason   EndReason
	err      error
}

func newSession(parent context.Context, c *Controller, settings Settings) *session {
	id := uuid.NewString()
	spanCtx, span := observe.StartSession(context.WithoutCancel(parent), id, c.providerName, settings.Model)
	s := &session{
		id:       id,
		ctl:      c,
		settings: settings,
		log:      observe.SessionLogger(spanCtx, c.log, id),
		span:     span,
		started:  time.Now(),
		idle:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	s.ctx, s.cancel = context.WithCancel(spanCtx)

	opts := []metering.Option{metering.WithListener(s.onUsage)}
	if c.balance != nil {
		opts = append(opts, metering.WithBalance(c.balance))
	}
	if c.metrics != nil {
		opts = append(opts, metering.WithMetrics(c.metrics))
	}
	s.meter = metering.NewMeter(settings.Rates, opts...)
	return s
}

// ── Startup ───────────────────────────────────────────────────────────────────

// open acquires both devices, builds the capture pipeline and playback chain,
// and connects the transport. On failure it records the end reason and
// returns; the caller tears down whatever was acquired.
func (s *session) open(parent context.Context) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.ConnectTimeout)
	defer cancel()
	stopAfter := context.AfterFunc(parent, cancel)
	defer stopAfter()

	in, err := s.ctl.platform.OpenInput(ctx, audio.InputConfig{
		Format:           audio.CaptureFormat,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		err = fmt.Errorf("tutor: open microphone: %w", err)
		s.end(deviceReason(err), err)
		return err
	}
	s.capAnalyser = spectrum.NewAnalyser()
	s.capture = capture.New(in,
		capture.WithFrameSize(s.settings.FrameSize),
		capture.WithAnalyser(s.capAnalyser),
		capture.WithFrameHook(func(f audio.AudioFrame) { s.meter.Captured(f.Duration()) }),
		capture.WithDropHook(func() { s.record(func(m *observe.Metrics) { m.RecordCaptureFrame(s.ctx, "dropped") }) }),
		capture.WithLogger(s.log),
	)

	out, err := s.ctl.platform.OpenOutput(ctx, audio.OutputConfig{Format: audio.PlaybackFormat})
	if err != nil {
		err = fmt.Errorf("tutor: open speaker: %w", err)
		s.end(deviceReason(err), err)
		return err
	}
	s.output = playback.NewContext(out,
		playback.WithAnalyser(spectrum.NewAnalyser()),
		playback.WithContextLogger(s.log),
	)
	s.sched = playback.NewScheduler(s.output,
		playback.WithUsageHook(func(d time.Duration) { s.meter.Played(d) }),
		playback.WithIdleHook(s.signalIdle),
		playback.WithLogger(s.log),
	)

	s.dialed = time.Now()
	connCtx, connSpan := observe.StartConnect(ctx, s.ctl.providerName)
	handle, err := s.ctl.provider.Connect(connCtx, s2s.SessionConfig{
		Model:               s.settings.Model,
		Voice:               s.settings.Voice,
		Instructions:        s.settings.Persona.SystemInstruction(),
		ResponseModality:    s2s.ModalityAudio,
		InputTranscription:  s.settings.InputTranscription,
		OutputTranscription: s.settings.OutputTranscription,
	})
	observe.Finish(connSpan, err)
	if err != nil {
		s.record(func(m *observe.Metrics) { m.RecordProviderRequest(s.ctx, s.ctl.providerName, "error") })
		err = fmt.Errorf("tutor: connect: %w", err)
		s.end(ReasonConnectFailed, err)
		return err
	}
	s.record(func(m *observe.Metrics) { m.RecordProviderRequest(s.ctx, s.ctl.providerName, "ok") })
	s.handle = handle
	return nil
}

func deviceReason(err error) EndReason {
	var pe *audio.PermissionError
	if errors.As(err, &pe) {
		return ReasonPermissionDenied
	}
	return ReasonDeviceError
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (s *session) run() {
	defer s.teardown()

	quota := time.NewTicker(s.settings.QuotaInterval)
	defer quota.Stop()
	setup := time.NewTimer(s.settings.ConnectTimeout)
	defer setup.Stop()

	events := s.handle.Events()
	for {
		// A pending stop wins over queued events.
		select {
		case <-s.stop:
			return
		default:
		}

		select {
		case <-s.stop:
			return

		case ev, ok := <-events:
			if !ok {
				if err := s.handle.Err(); err != nil {
					s.end(ReasonTransportError, &TransportError{Err: err})
				} else {
					s.end(ReasonTransportClosed, nil)
				}
				return
			}
			if !s.handleEvent(ev) {
				return
			}

		case <-s.idle:
			s.setSpeaking(s.sched.Speaking())

		case <-quota.C:
			if s.ctl.quotaExhausted() {
				s.end(ReasonQuotaExceeded, ErrQuotaExceeded)
				return
			}

		case <-setup.C:
			if s.State() == StateConnecting {
				err := fmt.Errorf("tutor: no setup acknowledgement within %s", s.settings.ConnectTimeout)
				s.end(ReasonConnectFailed, err)
				return
			}

		case <-s.output.Done():
			s.end(ReasonDeviceError, fmt.Errorf("tutor: speaker: %w", s.output.Err()))
			return
		}
	}
}

// handleEvent applies one transport event. It returns false when the event
// ended the session.
func (s *session) handleEvent(ev s2s.Event) bool {
	switch ev.Kind {
	case s2s.EventOpened:
		if s.State() != StateConnecting {
			return true
		}
		s.record(func(m *observe.Metrics) {
			m.ConnectDuration.Record(s.ctx, time.Since(s.dialed).Seconds())
			m.ActiveSessions.Add(s.ctx, 1)
		})
		s.span.AddEvent("setup_complete")
		s.setState(StateActive)
		s.capture.Start()
		s.wg.Add(1)
		go s.sendLoop()
		s.log.Info("tutor: session active")

	case s2s.EventAudio:
		if s.State() != StateActive {
			return true
		}
		buf, err := audio.DecodeChunk(ev.Audio, audio.ParseMIMEType(ev.MIMEType, audio.PlaybackFormat))
		if err != nil {
			s.warnChunk.Do(func() {
				s.log.Warn("tutor: dropping undecodable audio chunk", "err", err)
			})
			s.record(func(m *observe.Metrics) { m.RecordPlaybackChunk(s.ctx, "rejected") })
			return true
		}
		if len(buf.Samples) == 0 {
			return true
		}
		s.sched.Schedule(buf)
		s.record(func(m *observe.Metrics) { m.RecordPlaybackChunk(s.ctx, "scheduled") })
		s.setSpeaking(true)

	case s2s.EventInterrupted:
		n := s.sched.Interrupt()
		s.record(func(m *observe.Metrics) { m.RecordInterruption(s.ctx) })
		s.span.AddEvent("interrupted", trace.WithAttributes(attribute.Int("stopped_sources", n)))
		s.log.Debug("tutor: interrupted", "stopped_sources", n)
		s.setSpeaking(false)

	case s2s.EventTranscript:
		s.ctl.publish(Event{Kind: EventTranscript, SessionID: s.id, Transcript: ev.Transcript})

	case s2s.EventTurnComplete:
		s.log.Debug("tutor: turn complete")

	case s2s.EventError:
		s.record(func(m *observe.Metrics) { m.RecordProviderError(s.ctx, s.ctl.providerName, "transport") })
		s.end(ReasonTransportError, &TransportError{Err: ev.Err})
		return false
	}
	return true
}

// sendLoop forwards captured frames to the transport until capture stops.
func (s *session) sendLoop() {
	defer s.wg.Done()
	for frame := range s.capture.Frames() {
		if err := s.handle.SendRealtimeInput(frame); err != nil {
			if errors.Is(err, s2s.ErrSessionClosed) || s.ctx.Err() != nil {
				return
			}
			s.record(func(m *observe.Metrics) { m.RecordProviderError(s.ctx, s.ctl.providerName, "send") })
			s.end(ReasonTransportError, &TransportError{Err: err})
			return
		}
		s.record(func(m *observe.Metrics) { m.RecordCaptureFrame(s.ctx, "sent") })
	}
	if err := s.capture.Err(); err != nil {
		s.end(ReasonDeviceError, fmt.Errorf("tutor: microphone: %w", err))
	}
}

// onUsage runs after every metered increment on the reporting goroutine.
func (s *session) onUsage(metering.Direction, int64) {
	if s.ctl.quotaExhausted() {
		s.end(ReasonQuotaExceeded, ErrQuotaExceeded)
	}
}

// signalIdle is the scheduler's idle hook. It runs on the render goroutine
// and must not block.
func (s *session) signalIdle() {
	select {
	case s.idle <- struct{}{}:
	default:
	}
}

// ── Shutdown ──────────────────────────────────────────────────────────────────

// end requests the session to close with reason. The first call wins; later
// calls are no-ops. It never blocks.
func (s *session) end(reason EndReason, err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.stop)
	})
}

// teardown releases everything the session acquired, in order: transport,
// playing sources, playback device, capture device. It runs once.
func (s *session) teardown() {
	s.tearOnce.Do(func() {
		s.end(ReasonShutdown, nil)

		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				s.log.Debug("tutor: close transport", "err", err)
			}
		}
		if s.sched != nil {
			s.sched.Interrupt()
		}
		if s.output != nil {
			if err := s.output.Close(); err != nil {
				s.log.Debug("tutor: close speaker", "err", err)
			}
		}
		if s.capture != nil {
			if err := s.capture.Close(); err != nil {
				s.log.Debug("tutor: close microphone", "err", err)
			}
		}
		s.wg.Wait()

		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateClosed
		s.speaking = false
		reason, err := s.reason, s.err
		s.mu.Unlock()

		lifetime := time.Since(s.started)
		s.record(func(m *observe.Metrics) {
			ctx := context.WithoutCancel(s.ctx)
			if wasActive {
				m.ActiveSessions.Add(ctx, -1)
			}
			m.RecordSessionEnd(ctx, reason.String(), lifetime)
		})

		usage := s.meter.Usage()
		attrs := []any{
			"reason", reason.String(),
			"duration", lifetime.Round(time.Millisecond),
			"input_tokens", usage.Input,
			"output_tokens", usage.Output,
		}
		if err != nil {
			s.log.Warn("tutor: session ended", append(attrs, "err", err)...)
		} else {
			s.log.Info("tutor: session ended", attrs...)
		}
		observe.EndSession(s.span, reason.String(), err, usage.Input, usage.Output)

		s.ctl.finished(s)
		s.ctl.publish(Event{
			Kind:      EventEnded,
			SessionID: s.id,
			State:     StateClosed,
			Reason:    reason,
			Err:       err,
			Usage:     usage,
		})
		close(s.done)
	})
}

// ── State ─────────────────────────────────────────────────────────────────────

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) endReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	speaking := s.speaking
	s.mu.Unlock()
	s.ctl.publish(Event{Kind: EventState, SessionID: s.id, State: st, Speaking: speaking})
}

func (s *session) setSpeaking(speaking bool) {
	s.mu.Lock()
	if s.state != StateActive || s.speaking == speaking {
		s.mu.Unlock()
		return
	}
	s.speaking = speaking
	st := s.state
	s.mu.Unlock()
	s.ctl.publish(Event{Kind: EventState, SessionID: s.id, State: st, Speaking: speaking})
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID: s.id,
		State:     s.state,
		Speaking:  s.speaking,
		StartedAt: s.started,
		Usage:     s.meter.Usage(),
		Reason:    s.reason,
		Err:       s.err,
	}
}

func (s *session) analyser() *spectrum.Analyser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	if s.speaking {
		return s.output.Analyser()
	}
	return s.capAnalyser
}

// record runs fn when metrics are configured.
func (s *session) record(fn func(*observe.Metrics)) {
	if s.ctl.metrics != nil {
		fn(s.ctl.metrics)
	}
}
