package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/provider/wakeword"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory signatures per provider kind.
type (
	VADFactory         func(ProviderEntry) (vad.Engine, error)
	TranscriberFactory func(ProviderEntry) (wakeword.Transcriber, error)
	EmbedderFactory    func(ProviderEntry) (speaker.Embedder, error)
	StoreFactory       func(context.Context, ProviderEntry) (speaker.Store, error)
	AudioFactory       func(AudioConfig) (audio.Stream, error)
)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	vad          map[string]VADFactory
	transcribers map[string]TranscriberFactory
	embedders    map[string]EmbedderFactory
	stores       map[string]StoreFactory
	audio        map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:          make(map[string]VADFactory),
		transcribers: make(map[string]TranscriberFactory),
		embedders:    make(map[string]EmbedderFactory),
		stores:       make(map[string]StoreFactory),
		audio:        make(map[string]AudioFactory),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, f VADFactory) { register(r, r.vad, name, f) }

// RegisterTranscriber registers a wake word transcriber factory under name.
func (r *Registry) RegisterTranscriber(name string, f TranscriberFactory) {
	register(r, r.transcribers, name, f)
}

// RegisterEmbedder registers a speaker embedder factory under name.
func (r *Registry) RegisterEmbedder(name string, f EmbedderFactory) { register(r, r.embedders, name, f) }

// RegisterStore registers a voiceprint store factory under name.
func (r *Registry) RegisterStore(name string, f StoreFactory) { register(r, r.stores, name, f) }

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, f AudioFactory) { register(r, r.audio, name, f) }

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	f, err := lookupFactory(r, r.vad, "vad", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateTranscriber instantiates a wake word transcriber.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (wakeword.Transcriber, error) {
	f, err := lookupFactory(r, r.transcribers, "wake_word", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateEmbedder instantiates a speaker embedder.
func (r *Registry) CreateEmbedder(entry ProviderEntry) (speaker.Embedder, error) {
	f, err := lookupFactory(r, r.embedders, "embedder", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateStore instantiates a voiceprint store. ctx bounds any connection the
// store opens.
func (r *Registry) CreateStore(ctx context.Context, entry ProviderEntry) (speaker.Store, error) {
	f, err := lookupFactory(r, r.stores, "store", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(ctx, entry)
}

// CreateAudio opens the audio device named by cfg.Device.Name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Stream, error) {
	f, err := lookupFactory(r, r.audio, "audio", cfg.Device.Name)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

func register[F any](r *Registry, m map[string]F, name string, f F) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = f
}

func lookupFactory[F any](r *Registry, m map[string]F, kind, name string) (F, error) {
	r.mu.RLock()
	f, ok := m[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return f, nil
}
