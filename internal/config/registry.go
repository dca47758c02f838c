package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the per-kind name table.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: make(map[string]Factory[T])}
}

// lookup returns the factory for name. Callers hold the registry lock.
func (f factories[T]) lookup(name string) (Factory[T], error) {
	build, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return build, nil
}

// Registry resolves the provider names in a [ProvidersConfig] to
// constructors. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   factories[s2s.Provider]
	audio factories[audio.Platform]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   newFactories[s2s.Provider]("s2s"),
		audio: newFactories[audio.Platform]("audio"),
	}
}

// RegisterS2S registers a transport factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterS2S(name string, factory Factory[s2s.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s.byName[name] = factory
}

// RegisterAudio registers an audio platform factory under name.
func (r *Registry) RegisterAudio(name string, factory Factory[audio.Platform]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.byName[name] = factory
}

// CreateS2S builds the transport named by entry.Name. It wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	build, err := r.s2s.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return build(entry)
}

// CreateAudio builds the audio platform named by entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Platform, error) {
	r.mu.RLock()
	build, err := r.audio.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return build(entry)
}

// Names returns the sorted names registered for kind, "s2s" or "audio".
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.s2s.kind:
		return slices.Sorted(maps.Keys(r.s2s.byName))
	case r.audio.kind:
		return slices.Sorted(maps.Keys(r.audio.byName))
	}
	return nil
}
