package resilience

import (
	"context"

	"github.com/fidelai/fidel/pkg/provider/s2s"
)

// S2SFallback is an [s2s.Provider] that opens sessions on the first healthy
// backend. Only Connect fails over; a session that drops mid-conversation
// ends and the next session picks a backend again.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] preferring primary.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first backend whose breaker admits the call
// and whose Connect succeeds.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, _, err := Execute(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	return h, err
}

// Capabilities returns the primary's capabilities. The tutor's wire formats
// are fixed, so every backend in a group must agree on them.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// Health reports the breaker state of each backend.
func (f *S2SFallback) Health() []EntryHealth { return f.group.Health() }
