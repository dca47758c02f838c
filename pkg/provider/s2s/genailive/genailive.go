// Package genailive implements s2s.Provider on top of the official Google Gen
// AI SDK's Live API (google.golang.org/genai).
//
// It is the SDK-backed alternative to package gemini, which speaks the
// BidiGenerateContent protocol directly. Both produce the same [s2s.Event]
// stream.
package genailive

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/provider/s2s"
	"google.golang.org/genai"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// DefaultModel is the native-audio Live model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

const eventBuffer = 64

// liveSession is the subset of *genai.Session the adapter drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// Provider implements s2s.Provider using the genai SDK.
type Provider struct {
	model   string
	connect connectFunc
}

// New creates a genai client for the Gemini Developer API and wraps it.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}
	p := &Provider{
		model: DefaultModel,
		connect: func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, cfg)
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.PlaybackFormat,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect opens a Live session. The SDK performs the setup handshake itself,
// so the first event is usually [s2s.EventOpened].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	live, err := p.connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	s := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// connectConfig translates a session config into the SDK's Live config.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality(cfg.Modality())},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

func modality(m s2s.Modality) genai.Modality {
	switch m {
	case s2s.ModalityAudio:
		return genai.ModalityAudio
	default:
		return genai.Modality(m)
	}
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	live   liveSession
	events chan s2s.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	errVal error
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			err = fmt.Errorf("genailive: receive: %w", err)
			s.mu.Lock()
			if s.errVal == nil {
				s.errVal = err
			}
			s.mu.Unlock()
			s.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// translate maps one SDK message onto zero or more events, in the order
// Opened, Interrupted, Audio…, Transcript…, TurnComplete.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	var out []s2s.Event
	if msg.SetupComplete != nil {
		out = append(out, s2s.Event{Kind: s2s.EventOpened})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out = append(out, s2s.Event{
				Kind:     s2s.EventAudio,
				Audio:    base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Speaker: s2s.SpeakerStudent, Text: t.Text}})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Speaker: s2s.SpeakerTutor, Text: t.Text}})
	}
	if sc.TurnComplete {
		out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return out
}

// SendRealtimeInput decodes the frame back to raw PCM for the SDK blob.
func (s *session) SendRealtimeInput(frame audio.EncodedFrame) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return fmt.Errorf("genailive: frame payload: %w", err)
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = audio.CaptureFormat.MIMEType()
	}
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: mime, Data: pcm},
	}); err != nil {
		if s.isClosed() {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("genailive: send: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close ends the Live session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	_ = s.live.Close()
	return nil
}
