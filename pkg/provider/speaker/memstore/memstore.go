// Package memstore is an in-process voiceprint store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
)

var _ speaker.Store = (*Store)(nil)

// Store keeps voiceprints in a map and scans all of them on Nearest. It is
// meant for a handful of household speakers.
type Store struct {
	mu     sync.RWMutex
	prints map[string]speaker.Voiceprint
	dims   int
}

// New returns an empty store. The dimension is fixed by the first Upsert.
func New() *Store {
	return &Store{prints: make(map[string]speaker.Voiceprint)}
}

// Upsert implements [speaker.Store].
func (s *Store) Upsert(_ context.Context, v speaker.Voiceprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dims != 0 && len(v.Embedding) != s.dims {
		return fmt.Errorf("memstore: upsert %q: %w: got %d, want %d", v.Name, speaker.ErrDimension, len(v.Embedding), s.dims)
	}
	s.dims = len(v.Embedding)
	v.Embedding = slices.Clone(v.Embedding)
	s.prints[v.Name] = v
	return nil
}

// Delete implements [speaker.Store].
func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prints[name]; !ok {
		return speaker.ErrNotFound
	}
	delete(s.prints, name)
	if len(s.prints) == 0 {
		s.dims = 0
	}
	return nil
}

// Nearest implements [speaker.Store].
func (s *Store) Nearest(_ context.Context, embedding []float32) (string, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.prints) == 0 {
		return "", 0, speaker.ErrNoVoiceprints
	}
	if len(embedding) != s.dims {
		return "", 0, fmt.Errorf("memstore: nearest: %w: got %d, want %d", speaker.ErrDimension, len(embedding), s.dims)
	}

	best, bestScore := "", -2.0
	for name, v := range s.prints {
		score := speaker.CosineSimilarity(embedding, v.Embedding)
		if score > bestScore || (score == bestScore && name < best) {
			best, bestScore = name, score
		}
	}
	return best, bestScore, nil
}

// List implements [speaker.Store].
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.prints))
	for name := range s.prints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
