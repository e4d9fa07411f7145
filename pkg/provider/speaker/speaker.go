// Package speaker defines the speaker verification capability: given a clip
// of audio, who is speaking and how confident is the match.
//
// An [EmbeddingVerifier] composes an [Embedder], which maps audio to a
// fixed-length voiceprint vector, with a [Store] of enrolled voiceprints
// searched by cosine similarity. Stores live in the memstore and postgres
// subpackages; httpembed provides a remote embedder.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/types"
)

// Threshold bounds and default for the similarity cut-off.
const (
	DefaultThreshold = 0.18
	MinThreshold     = 0.01
	MaxThreshold     = 0.99
)

var (
	// ErrNotFound is returned when a named voiceprint does not exist.
	ErrNotFound = errors.New("speaker: voiceprint not found")

	// ErrNoVoiceprints is returned by Store.Nearest when nothing is enrolled.
	ErrNoVoiceprints = errors.New("speaker: no voiceprints enrolled")

	// ErrDimension is returned when an embedding does not match the store.
	ErrDimension = errors.New("speaker: embedding dimension mismatch")
)

// Voiceprint is one enrolled speaker.
type Voiceprint struct {
	Name      string
	Embedding []float32
	CreatedAt time.Time
}

// Embedder computes a voiceprint vector from mono 16-bit PCM.
type Embedder interface {
	Embed(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error)
}

// Store persists voiceprints and answers nearest-neighbour queries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Upsert enrols v, replacing any voiceprint with the same name.
	Upsert(ctx context.Context, v Voiceprint) error

	// Delete removes the named voiceprint. It returns [ErrNotFound] when
	// nothing by that name is enrolled.
	Delete(ctx context.Context, name string) error

	// Nearest returns the enrolled name most similar to embedding together
	// with its cosine similarity. It returns [ErrNoVoiceprints] when the store
	// is empty.
	Nearest(ctx context.Context, embedding []float32) (name string, similarity float64, err error)

	// List returns the enrolled names in ascending order.
	List(ctx context.Context) ([]string, error)
}

// Verifier identifies speakers. It is the contract the verification
// pipeline depends on.
type Verifier interface {
	// Recognize returns the best match for the clip. The match Name is empty
	// when no voiceprint scores at or above the threshold.
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (types.SpeakerMatch, error)

	// Enroll registers a voiceprint for name from the given clip.
	Enroll(ctx context.Context, name string, pcm []byte, sampleRate int) error

	// Remove forgets the named voiceprint.
	Remove(ctx context.Context, name string) error

	// SetThreshold changes the similarity cut-off. Values are clamped to
	// [MinThreshold, MaxThreshold].
	SetThreshold(v float64)

	// Threshold returns the current similarity cut-off.
	Threshold() float64
}

// ClampThreshold limits v to [MinThreshold, MaxThreshold].
func ClampThreshold(v float64) float64 {
	return min(max(v, MinThreshold), MaxThreshold)
}

var _ Verifier = (*EmbeddingVerifier)(nil)

// EmbeddingVerifier implements [Verifier] with an embedder and a store.
// It is safe for concurrent use when its collaborators are.
type EmbeddingVerifier struct {
	embedder Embedder
	store    Store

	threshold atomic.Uint64 // math.Float64bits
}

// NewEmbeddingVerifier returns a verifier using DefaultThreshold.
func NewEmbeddingVerifier(e Embedder, s Store) (*EmbeddingVerifier, error) {
	if e == nil || s == nil {
		return nil, errors.New("speaker: embedder and store are required")
	}
	v := &EmbeddingVerifier{embedder: e, store: s}
	v.SetThreshold(DefaultThreshold)
	return v, nil
}

// SetThreshold implements [Verifier].
func (v *EmbeddingVerifier) SetThreshold(t float64) {
	v.threshold.Store(math.Float64bits(ClampThreshold(t)))
}

// Threshold implements [Verifier].
func (v *EmbeddingVerifier) Threshold() float64 {
	return math.Float64frombits(v.threshold.Load())
}

// Recognize implements [Verifier]. An empty store yields an unrecognised
// match rather than an error.
func (v *EmbeddingVerifier) Recognize(ctx context.Context, pcm []byte, sampleRate int) (types.SpeakerMatch, error) {
	emb, err := v.embedder.Embed(ctx, pcm, sampleRate)
	if err != nil {
		return types.SpeakerMatch{}, fmt.Errorf("speaker: embed: %w", err)
	}
	name, score, err := v.store.Nearest(ctx, emb)
	if errors.Is(err, ErrNoVoiceprints) {
		return types.SpeakerMatch{}, nil
	}
	if err != nil {
		return types.SpeakerMatch{}, fmt.Errorf("speaker: nearest: %w", err)
	}
	if score < v.Threshold() {
		return types.SpeakerMatch{Score: score}, nil
	}
	return types.SpeakerMatch{Name: name, Score: score}, nil
}

// Enroll implements [Verifier].
func (v *EmbeddingVerifier) Enroll(ctx context.Context, name string, pcm []byte, sampleRate int) error {
	if name == "" {
		return errors.New("speaker: enroll: name must not be empty")
	}
	emb, err := v.embedder.Embed(ctx, pcm, sampleRate)
	if err != nil {
		return fmt.Errorf("speaker: enroll %q: %w", name, err)
	}
	if err := v.store.Upsert(ctx, Voiceprint{Name: name, Embedding: emb, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("speaker: enroll %q: %w", name, err)
	}
	return nil
}

// Remove implements [Verifier].
func (v *EmbeddingVerifier) Remove(ctx context.Context, name string) error {
	if err := v.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("speaker: remove %q: %w", name, err)
	}
	return nil
}

// Names lists the enrolled speakers.
func (v *EmbeddingVerifier) Names(ctx context.Context) ([]string, error) {
	return v.store.List(ctx)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero length or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
