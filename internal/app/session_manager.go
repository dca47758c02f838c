package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/tutor"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

// defaultHistory is the number of finished sessions kept by a SessionManager.
const defaultHistory = 50

// SessionInfo summarises one finished tutoring session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Reason    tutor.EndReason
	Err       error
	Usage     metering.Usage

	// Cost is Usage priced at the token rate in force when the session ended.
	Cost float64
}

// Duration is the wall time between connecting and teardown.
func (i SessionInfo) Duration() time.Duration { return i.EndedAt.Sub(i.StartedAt) }

// SessionManager is the user-facing front of a [tutor.Controller]. It toggles
// sessions from a single button, keeps a bounded history of finished
// sessions, and forwards transcripts. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	ctl *tutor.Controller
	log *slog.Logger
	now func() time.Time

	events      <-chan tutor.Event
	unsubscribe func()

	// toggleMu makes Toggle atomic with respect to itself.
	toggleMu sync.Mutex

	mu           sync.Mutex
	started      map[string]time.Time
	history      []SessionInfo
	maxHistory   int
	onTranscript func(s2s.Transcript)
	onEnded      func(SessionInfo)
}

// SessionManagerOption configures a [SessionManager].
type SessionManagerOption func(*SessionManager)

// WithHistory caps the number of finished sessions kept.
func WithHistory(n int) SessionManagerOption {
	return func(sm *SessionManager) {
		if n > 0 {
			sm.maxHistory = n
		}
	}
}

// OnTranscript registers fn for every transcript fragment. fn runs on the
// manager's event goroutine and must not block.
func OnTranscript(fn func(s2s.Transcript)) SessionManagerOption {
	return func(sm *SessionManager) { sm.onTranscript = fn }
}

// OnSessionEnded registers fn for every finished session.
func OnSessionEnded(fn func(SessionInfo)) SessionManagerOption {
	return func(sm *SessionManager) { sm.onEnded = fn }
}

// NewSessionManager wraps ctl and subscribes to its events; call
// [SessionManager.Run] to process them.
func NewSessionManager(ctl *tutor.Controller, log *slog.Logger, opts ...SessionManagerOption) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	sm := &SessionManager{
		ctl:        ctl,
		log:        log,
		now:        time.Now,
		started:    make(map[string]time.Time),
		maxHistory: defaultHistory,
	}
	for _, o := range opts {
		o(sm)
	}
	sm.events, sm.unsubscribe = ctl.Subscribe(64)
	return sm
}

// Toggle starts a session when none is running and stops the running one
// otherwise. started reports which of the two happened. A refused start
// because of an empty wallet returns [tutor.ErrQuotaExceeded].
func (sm *SessionManager) Toggle(ctx context.Context) (started bool, err error) {
	sm.toggleMu.Lock()
	defer sm.toggleMu.Unlock()

	switch sm.ctl.Status().State {
	case tutor.StateConnecting, tutor.StateActive:
		return false, sm.ctl.Stop()
	}
	if err := sm.ctl.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// IsActive reports whether a session is connecting or active.
func (sm *SessionManager) IsActive() bool {
	switch sm.ctl.Status().State {
	case tutor.StateConnecting, tutor.StateActive:
		return true
	}
	return false
}

// History returns finished sessions, oldest first.
func (sm *SessionManager) History() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]SessionInfo(nil), sm.history...)
}

// Spent returns the total cost of all sessions in the history.
func (sm *SessionManager) Spent() float64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var total float64
	for _, h := range sm.history {
		total += h.Cost
	}
	return total
}

// Run consumes controller events until ctx is done or the controller is
// closed, then unsubscribes. Run is called at most once.
func (sm *SessionManager) Run(ctx context.Context) error {
	defer sm.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sm.events:
			if !ok {
				return nil
			}
			sm.handle(ev)
		}
	}
}

func (sm *SessionManager) handle(ev tutor.Event) {
	switch ev.Kind {
	case tutor.EventState:
		if ev.State == tutor.StateConnecting {
			sm.mu.Lock()
			sm.started[ev.SessionID] = sm.now()
			sm.mu.Unlock()
		}
		sm.log.Debug("tutor state", "session_id", ev.SessionID, "state", ev.State.String(), "speaking", ev.Speaking)

	case tutor.EventTranscript:
		if sm.onTranscript != nil {
			sm.onTranscript(ev.Transcript)
		}

	case tutor.EventEnded:
		info := sm.record(ev)
		attrs := []any{
			"session_id", info.SessionID,
			"reason", info.Reason.String(),
			"duration", info.Duration().Round(time.Millisecond),
			"input_tokens", info.Usage.Input,
			"output_tokens", info.Usage.Output,
			"cost_etb", info.Cost,
		}
		switch {
		case info.Err != nil && !errors.Is(info.Err, context.Canceled):
			sm.log.Warn("tutor session ended", append(attrs, "err", info.Err)...)
		default:
			sm.log.Info("tutor session ended", attrs...)
		}
		if sm.onEnded != nil {
			sm.onEnded(info)
		}
	}
}

func (sm *SessionManager) record(ev tutor.Event) SessionInfo {
	now := sm.now()
	info := SessionInfo{
		SessionID: ev.SessionID,
		EndedAt:   now,
		Reason:    ev.Reason,
		Err:       ev.Err,
		Usage:     ev.Usage,
		Cost:      float64(ev.Usage.Total()) * sm.ctl.Settings().Rates.TokenPrice,
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.started[ev.SessionID]; ok {
		info.StartedAt = t
		delete(sm.started, ev.SessionID)
	} else {
		info.StartedAt = now
	}
	sm.history = append(sm.history, info)
	if over := len(sm.history) - sm.maxHistory; over > 0 {
		sm.history = append(sm.history[:0], sm.history[over:]...)
	}
	return info
}
