package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/spark/pkg/audio"
	"github.com/MrWong99/spark/pkg/provider/stt"
	"github.com/MrWong99/spark/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
	vad    map[string]func(ProviderEntry) (vad.Engine, error)
	output map[string]func(ProviderEntry) (audio.Device, error)
	input  map[string]func(ProviderEntry) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
		vad:    make(map[string]func(ProviderEntry) (vad.Engine, error)),
		output: make(map[string]func(ProviderEntry) (audio.Device, error)),
		input:  make(map[string]func(ProviderEntry) (audio.Source, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// RegisterInput registers a microphone source factory under name.
func (r *Registry) RegisterInput(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, r.stt, "stt", entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(&r.mu, r.vad, "vad", entry)
}

// CreateOutput instantiates an output device using the factory registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (audio.Device, error) {
	return create(&r.mu, r.output, "output", entry)
}

// CreateInput instantiates a microphone source using the factory registered under entry.Name.
func (r *Registry) CreateInput(entry ProviderEntry) (audio.Source, error) {
	return create(&r.mu, r.input, "input", entry)
}

// Names returns the sorted provider names registered for kind ("stt", "vad",
// "output" or "input").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "stt":
		names = keys(r.stt)
	case "vad":
		names = keys(r.vad)
	case "output":
		names = keys(r.output)
	case "input":
		names = keys(r.input)
	}
	sort.Strings(names)
	return names
}

func create[T any](mu *sync.RWMutex, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
