// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts streamed
// microphone audio and answers with streamed synthesised speech in a single,
// stateful session. The Gemini Live API is the reference backend.
//
// The central abstraction is SessionHandle: outbound audio goes through
// [SessionHandle.SendRealtimeInput]; everything the service says comes back
// as an ordered stream of [Event] values on [SessionHandle.Events].
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/fidelai/fidel/pkg/audio"
)

// ErrSessionClosed is returned by SendRealtimeInput after the session ended.
var ErrSessionClosed = errors.New("s2s: session closed")

// Modality names the kind of output the model is asked to produce.
type Modality string

// ModalityAudio asks for spoken responses only.
const ModalityAudio Modality = "audio"

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system prompt that defines the tutor persona.
	Instructions string

	// ResponseModality is the requested output kind. Empty means audio.
	ResponseModality Modality

	// InputTranscription asks the service to transcribe the student's speech.
	InputTranscription bool

	// OutputTranscription asks the service to transcribe its own speech.
	OutputTranscription bool
}

// Modality returns the configured response modality, defaulting to audio.
func (c SessionConfig) Modality() Modality {
	if c.ResponseModality == "" {
		return ModalityAudio
	}
	return c.ResponseModality
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// InputFormat is the PCM format the service expects from the microphone.
	InputFormat audio.Format

	// OutputFormat is the PCM format of the audio the service returns.
	OutputFormat audio.Format

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names available.
	Voices []string
}

// ── Events ────────────────────────────────────────────────────────────────────

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventOpened is emitted once the service acknowledged the session setup.
	EventOpened EventKind = iota + 1

	// EventAudio carries one chunk of synthesised speech.
	EventAudio

	// EventInterrupted signals that the student barged in and any queued
	// speech must be discarded.
	EventInterrupted

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventTranscript carries transcribed text for either side.
	EventTranscript

	// EventError reports a transport or service failure. The events channel is
	// closed right after it.
	EventError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies who said a transcribed line.
type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTutor   Speaker = "tutor"
)

// Transcript is one transcribed fragment.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// Event is a single item of the inbound session stream.
type Event struct {
	Kind EventKind

	// Audio is the base64 PCM payload of an EventAudio.
	Audio string

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000". May be empty.
	MIMEType string

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// Err is set for EventError.
	Err error
}

// ── Session ───────────────────────────────────────────────────────────────────

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendRealtimeInput streams one encoded microphone frame to the service.
	// Returns [ErrSessionClosed] once the session has ended.
	SendRealtimeInput(frame audio.EncodedFrame) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed when the session ends: after an EventError on failure, or
	// without one when the service or the caller closed the session.
	// Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended
	// cleanly. Meaningful after Events is closed.
	Err() error

	// Close terminates the session and closes the events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session. The handle is returned as soon as the
	// setup message has been sent; EventOpened follows once the service
	// acknowledges it. The caller owns the handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
