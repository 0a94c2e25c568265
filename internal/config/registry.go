package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// SourceFactory builds a capture source from the audio section.
type SourceFactory func(AudioConfig) (audio.Source, error)

// PlayerFactory builds a TTS player from the playback section.
type PlayerFactory func(PlaybackConfig) (playback.Player, error)

// Registry maps component names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	players map[string]PlayerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		players: make(map[string]PlayerFactory),
	}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterPlayer registers a player factory under name.
func (r *Registry) RegisterPlayer(name string, factory PlayerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[name] = factory
}

// CreateSource instantiates the source named by cfg.Source.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreatePlayer instantiates the player named by cfg.Player.
func (r *Registry) CreatePlayer(cfg PlaybackConfig) (playback.Player, error) {
	r.mu.RLock()
	factory, ok := r.players[cfg.Player]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player/%q", ErrNotRegistered, cfg.Player)
	}
	return factory(cfg)
}

// Sources returns the registered source names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// Players returns the registered player names in sorted order.
func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.players)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
