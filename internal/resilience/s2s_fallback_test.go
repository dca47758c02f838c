package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fidelai/fidel/internal/resilience"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/provider/s2s"
	s2smock "github.com/fidelai/fidel/pkg/provider/s2s/mock"
)

func TestS2SFallback_PrimaryConnects(t *testing.T) {
	t.Parallel()
	primary := &s2smock.Provider{}
	secondary := &s2smock.Provider{}

	fb := resilience.NewS2SFallback(primary, "gemini-live", resilience.FallbackConfig{})
	fb.AddFallback("gemini-genai", secondary)

	h, err := fb.Connect(context.Background(), s2s.SessionConfig{Voice: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != primary.LastSession() {
		t.Error("handle did not come from the primary")
	}
	if secondary.ConnectCount() != 0 {
		t.Errorf("secondary connected %d times", secondary.ConnectCount())
	}
	if got := primary.ConnectCalls[0].Cfg.Voice; got != "Kore" {
		t.Errorf("primary saw voice %q", got)
	}
}

func TestS2SFallback_FailsOverAndTripsBreaker(t *testing.T) {
	t.Parallel()
	primary := &s2smock.Provider{ConnectErr: errors.New("handshake refused")}
	secondary := &s2smock.Provider{}

	fb := resilience.NewS2SFallback(primary, "gemini-live", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("gemini-genai", secondary)

	for i := range 3 {
		h, err := fb.Connect(context.Background(), s2s.SessionConfig{})
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		h.Close()
	}
	if primary.ConnectCount() != 2 {
		t.Errorf("primary tried %d times, want 2 before its breaker opened", primary.ConnectCount())
	}
	if secondary.ConnectCount() != 3 {
		t.Errorf("secondary connected %d times, want 3", secondary.ConnectCount())
	}
	if h := fb.Health(); h[0].Name != "gemini-live" || h[0].State != resilience.StateOpen {
		t.Errorf("health = %+v", h)
	}
}

func TestS2SFallback_AllFail(t *testing.T) {
	t.Parallel()
	boom := errors.New("no route")
	fb := resilience.NewS2SFallback(&s2smock.Provider{ConnectErr: boom}, "only", resilience.FallbackConfig{})

	_, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, boom) {
		t.Errorf("Connect = %v", err)
	}
}

func TestS2SFallback_CapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()
	caps := s2s.Capabilities{InputFormat: audio.Format{SampleRate: 16000, Channels: 1}}
	fb := resilience.NewS2SFallback(&s2smock.Provider{ProviderCapabilities: caps}, "p", resilience.FallbackConfig{})
	fb.AddFallback("f", &s2smock.Provider{})

	if got := fb.Capabilities(); got.InputFormat != caps.InputFormat {
		t.Errorf("Capabilities = %+v", got)
	}
}
