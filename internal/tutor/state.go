package tutor

import (
	"errors"
	"time"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

var (
	// ErrQuotaExceeded is returned by Start when the balance is exhausted and
	// recorded as the end error when a running session runs out of funds.
	ErrQuotaExceeded = errors.New("tutor: " + metering.InsufficientBalanceMessage)

	// ErrClosed is returned by Start after the controller has been closed.
	ErrClosed = errors.New("tutor: controller closed")
)

// TransportError wraps a failure of the speech-to-speech connection after
// it was established. It always ends the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "tutor: transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// State is the lifecycle state of a tutoring session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndReason records why a session reached [StateClosed].
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonUserStop
	ReasonTransportError
	ReasonTransportClosed
	ReasonQuotaExceeded
	ReasonPermissionDenied
	ReasonDeviceError
	ReasonConnectFailed
	ReasonShutdown
)

// String returns the snake_case reason used in logs and metric attributes.
func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUserStop:
		return "user_stop"
	case ReasonTransportError:
		return "transport_error"
	case ReasonTransportClosed:
		return "transport_closed"
	case ReasonQuotaExceeded:
		return "quota_exceeded"
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonDeviceError:
		return "device_error"
	case ReasonConnectFailed:
		return "connect_failed"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Retryable reports whether the user can fix the cause and start again
// without operator help.
func (r EndReason) Retryable() bool {
	switch r {
	case ReasonPermissionDenied, ReasonDeviceError, ReasonTransportClosed, ReasonUserStop:
		return true
	default:
		return false
	}
}

// Status is a snapshot of the controller.
type Status struct {
	// SessionID identifies the current or most recent session.
	SessionID string

	State State

	// Speaking is true while tutor speech is scheduled or playing. Only
	// meaningful in StateActive.
	Speaking bool

	// StartedAt is when the current or most recent session began connecting.
	StartedAt time.Time

	// Usage is the token usage of the current or most recent session.
	Usage metering.Usage

	// Reason and Err describe how the most recent session ended.
	Reason EndReason
	Err    error
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventState reports a state or speaking change.
	EventState EventKind = iota + 1

	// EventTranscript carries one transcription fragment.
	EventTranscript

	// EventEnded is the last event of a session.
	EventEnded
)

// Event is delivered to subscribers.
type Event struct {
	Kind      EventKind
	SessionID string

	// State and Speaking are set on EventState and EventEnded.
	State    State
	Speaking bool

	// Transcript is set on EventTranscript.
	Transcript s2s.Transcript

	// Reason, Err, and Usage are set on EventEnded.
	Reason EndReason
	Err    error
	Usage  metering.Usage
}
