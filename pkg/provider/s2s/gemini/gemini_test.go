package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/provider/s2s"
	"github.com/fidelai/fidel/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// idle keeps the connection open until the client goes away.
func idle(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	handle, err := newProvider(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// nextEvent waits for the next event. ok is false when the channel closed.
func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}, false
}

func mustEvent(t *testing.T, h s2s.SessionHandle, want s2s.EventKind) s2s.Event {
	t.Helper()
	ev, ok := nextEvent(t, h)
	if !ok {
		t.Fatalf("events closed; want %v", want)
	}
	if ev.Kind != want {
		t.Fatalf("event = %v; want %v", ev.Kind, want)
	}
	return ev
}

func waitClosed(t *testing.T, h s2s.SessionHandle) {
	t.Helper()
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities_Formats(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputFormat != audio.CaptureFormat {
		t.Errorf("InputFormat = %v; want %v", caps.InputFormat, audio.CaptureFormat)
	}
	if caps.OutputFormat != audio.PlaybackFormat {
		t.Errorf("OutputFormat = %v; want %v", caps.OutputFormat, audio.PlaybackFormat)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestModelSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []gemini.Option
		cfg  s2s.SessionConfig
		want string
	}{
		{name: "default", want: "models/" + gemini.DefaultModel},
		{name: "option", opts: []gemini.Option{gemini.WithModel("custom-model")}, want: "models/custom-model"},
		{
			name: "session overrides option",
			opts: []gemini.Option{gemini.WithModel("custom-model")},
			cfg:  s2s.SessionConfig{Model: "per-session"},
			want: "models/per-session",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			modelCh := make(chan string, 1)
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var msg struct {
					Setup struct {
						Model string `json:"model"`
					} `json:"setup"`
				}
				readJSON(t, conn, &msg)
				modelCh <- msg.Setup.Model
				sendSetupComplete(t, conn)
				idle(conn)
			})

			opts := append([]gemini.Option{gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0)}, tc.opts...)
			handle, err := gemini.New("key", opts...).Connect(context.Background(), tc.cfg)
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			select {
			case model := <-modelCh:
				if model != tc.want {
					t.Errorf("model = %q; want %q", model, tc.want)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout waiting for setup message")
			}
		})
	}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
		OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
	} `json:"setup"`
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		idle(conn)
	})

	connect(t, srv, s2s.SessionConfig{
		Instructions:        "You are a patient math teacher.",
		Voice:               "Kore",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	select {
	case msg := <-received:
		gc := msg.Setup.GenerationConfig
		if len(gc.ResponseModalities) != 1 || gc.ResponseModalities[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", gc.ResponseModalities)
		}
		if gc.SpeechConfig == nil || gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
			t.Errorf("speechConfig = %+v; want voice Kore", gc.SpeechConfig)
		}
		si := msg.Setup.SystemInstruction
		if si == nil || len(si.Parts) == 0 || si.Parts[0].Text != "You are a patient math teacher." {
			t.Errorf("unexpected system instruction: %+v", si)
		}
		if msg.Setup.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription should be present")
		}
		if msg.Setup.OutputAudioTranscription == nil {
			t.Error("outputAudioTranscription should be present")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_OmitsDisabledOptions(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		idle(conn)
	})

	connect(t, srv, s2s.SessionConfig{})

	select {
	case msg := <-received:
		if msg.Setup.SystemInstruction != nil {
			t.Error("systemInstruction should be omitted")
		}
		if msg.Setup.GenerationConfig.SpeechConfig != nil {
			t.Error("speechConfig should be omitted")
		}
		if msg.Setup.InputAudioTranscription != nil || msg.Setup.OutputAudioTranscription != nil {
			t.Error("transcription toggles should be omitted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		acceptSetup(t, conn)
		idle(conn)
	})

	handle, err := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		idle(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── SendRealtimeInput ─────────────────────────────────────────────────────────

func TestSendRealtimeInput_SendsMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		got <- msg
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	frame := audio.EncodeFrame(audio.AudioFrame{
		Samples: []float32{0, 0.5, -0.5, 1},
		Format:  audio.CaptureFormat,
	})
	if err := handle.SendRealtimeInput(frame); err != nil {
		t.Fatalf("SendRealtimeInput: %v", err)
	}

	select {
	case msg := <-got:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		if chunks[0].Data != frame.Data {
			t.Errorf("data = %q; want %q", chunks[0].Data, frame.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendRealtimeInput_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := handle.SendRealtimeInput(audio.EncodedFrame{Data: "AAA="})
	if !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("SendRealtimeInput after Close = %v; want ErrSessionClosed", err)
	}
}

func TestConcurrentSend_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	frame := audio.EncodedFrame{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}), MIMEType: "audio/pcm;rate=16000"}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = handle.SendRealtimeInput(frame)
			}
		})
	}
	wg.Wait()
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_OpenedOnSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	select {
	case ev := <-handle.Events():
		t.Fatalf("got %v before setupComplete", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	mustEvent(t, handle, s2s.EventOpened)
}

func TestEvents_ServerContentInOrder(t *testing.T) {
	t.Parallel()

	chunk1 := base64.StdEncoding.EncodeToString([]byte{0x01, 0x00, 0x02, 0x00})
	chunk2 := base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "what is 2+2"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": chunk1}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": chunk2}},
					},
				},
				"outputTranscription": map[string]any{"text": "four"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	mustEvent(t, handle, s2s.EventOpened)

	ev := mustEvent(t, handle, s2s.EventTranscript)
	if ev.Transcript.Speaker != s2s.SpeakerStudent || ev.Transcript.Text != "what is 2+2" {
		t.Errorf("input transcript = %+v", ev.Transcript)
	}

	ev = mustEvent(t, handle, s2s.EventAudio)
	if ev.Audio != chunk1 || ev.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("first audio = %+v", ev)
	}
	ev = mustEvent(t, handle, s2s.EventAudio)
	if ev.Audio != chunk2 {
		t.Errorf("second audio = %q; want %q", ev.Audio, chunk2)
	}

	ev = mustEvent(t, handle, s2s.EventTranscript)
	if ev.Transcript.Speaker != s2s.SpeakerTutor || ev.Transcript.Text != "four" {
		t.Errorf("output transcript = %+v", ev.Transcript)
	}

	mustEvent(t, handle, s2s.EventInterrupted)
	mustEvent(t, handle, s2s.EventTurnComplete)
}

func TestEvents_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	mustEvent(t, handle, s2s.EventOpened)
	mustEvent(t, handle, s2s.EventTurnComplete)
}

func TestEvents_ServiceErrorEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	mustEvent(t, handle, s2s.EventOpened)

	ev := mustEvent(t, handle, s2s.EventError)
	var se *gemini.ServiceError
	if !errors.As(ev.Err, &se) {
		t.Fatalf("Err = %T; want *gemini.ServiceError", ev.Err)
	}
	if se.Code != 429 || se.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("ServiceError = %+v", se)
	}
	waitClosed(t, handle)
	if !errors.As(handle.Err(), &se) {
		t.Errorf("handle.Err() = %v; want the service error", handle.Err())
	}
}

func TestEvents_AbnormalDisconnectIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.CloseNow()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	mustEvent(t, handle, s2s.EventOpened)
	ev := mustEvent(t, handle, s2s.EventError)
	if ev.Err == nil {
		t.Error("EventError without Err")
	}
	waitClosed(t, handle)
	if handle.Err() == nil {
		t.Error("Err() should report the disconnect")
	}
}

func TestEvents_NormalServerCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes with StatusNormalClosure.
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	mustEvent(t, handle, s2s.EventOpened)
	if ev, ok := nextEvent(t, handle); ok {
		t.Fatalf("got %v; want closed channel", ev.Kind)
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil after a normal close", err)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	waitClosed(t, handle)
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil after caller Close", err)
	}
}
