package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

// InputFactory acquires an audio input described by cfg.
type InputFactory func(ctx context.Context, cfg *Config) (audio.Source, error)

// OutputFactory opens an audio output described by cfg.
type OutputFactory func(cfg *Config) (audio.Player, error)

// TransportFactory builds a dialer for one backend endpoint.
type TransportFactory func(cfg *Config, endpoint string) (transport.Dialer, error)

// Registry maps input, output and transport names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	inputs     map[string]InputFactory
	outputs    map[string]OutputFactory
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inputs:     make(map[string]InputFactory),
		outputs:    make(map[string]OutputFactory),
		transports: make(map[string]TransportFactory),
	}
}

// RegisterInput registers an input factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
}

// RegisterOutput registers an output factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// RegisterTransport registers a transport factory under name.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// OpenInput acquires the input named by cfg.Audio.Input.
// Returns [ErrUnknownBackend] if nothing is registered under that name.
func (r *Registry) OpenInput(ctx context.Context, cfg *Config) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.inputs[cfg.Audio.Input]
	known := sortedKeys(r.inputs)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input %q (registered: %v)", ErrUnknownBackend, cfg.Audio.Input, known)
	}
	return factory(ctx, cfg)
}

// OpenOutput opens the output named by cfg.Audio.Output.
func (r *Registry) OpenOutput(cfg *Config) (audio.Player, error) {
	r.mu.RLock()
	factory, ok := r.outputs[cfg.Audio.Output]
	known := sortedKeys(r.outputs)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output %q (registered: %v)", ErrUnknownBackend, cfg.Audio.Output, known)
	}
	return factory(cfg)
}

// Dialers builds one dialer per backend endpoint, in configured order.
func (r *Registry) Dialers(cfg *Config) ([]transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Backend.Transport]
	known := sortedKeys(r.transports)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport %q (registered: %v)", ErrUnknownBackend, cfg.Backend.Transport, known)
	}

	endpoints := cfg.Backend.Endpoints()
	dialers := make([]transport.Dialer, 0, len(endpoints))
	for _, ep := range endpoints {
		d, err := factory(cfg, ep)
		if err != nil {
			return nil, fmt.Errorf("config: transport %s for %q: %w", cfg.Backend.Transport, ep, err)
		}
		dialers = append(dialers, d)
	}
	return dialers, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
