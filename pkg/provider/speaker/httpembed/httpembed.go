// Package httpembed computes voiceprint embeddings on a remote service.
//
// The service is any HTTP endpoint that accepts a WAV body on
// POST {base}/embed and answers with {"embedding": [...]}; wrapping a
// speaker-embedding model such as ECAPA-TDNN or CAM++ behind a few lines of
// server code is enough.
package httpembed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
)

var _ speaker.Embedder = (*Embedder)(nil)

// Embedder posts audio clips to a remote embedding service. It is safe for
// concurrent use.
type Embedder struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option is a functional option for Embedder.
type Option func(*Embedder)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Embedder) { e.httpClient.Timeout = d }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(e *Embedder) { e.apiKey = key }
}

// New returns an Embedder for the service at baseURL. A trailing slash is
// stripped.
func New(baseURL string, opts ...Option) (*Embedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("httpembed: baseURL must not be empty")
	}
	e := &Embedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements [speaker.Embedder].
func (e *Embedder) Embed(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error) {
	body := audio.EncodeWAV(pcm, sampleRate, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpembed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpembed: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("httpembed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("httpembed: decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("httpembed: empty embedding")
	}
	return out.Embedding, nil
}
