package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrPathNotFound is returned when a dot path names no key in the document.
var ErrPathNotFound = errors.New("config: path not found")

// Store is the persisted configuration. It keeps the YAML document as a node
// tree so writes made through [Store.Update] keep the file's comments and key
// order, and it keeps the decoded [Config] in sync with every write.
//
// Store is safe for concurrent use.
type Store struct {
	path   string
	getenv func(string) string

	mu  sync.RWMutex
	doc *yaml.Node
	cfg *Config
	sum [sha256.Size]byte
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithEnv replaces the environment lookup used for overrides. Pass a function
// returning "" to disable overrides.
func WithEnv(getenv func(string) string) StoreOption {
	return func(s *Store) { s.getenv = getenv }
}

// OpenStore loads the file at path. A missing file is created from
// [Default].
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{path: path, getenv: os.Getenv}
	for _, o := range opts {
		o(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if data, err = yaml.Marshal(Default()); err != nil {
			return nil, fmt.Errorf("config: encode defaults: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("config: create %q: %w", filepath.Dir(path), err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return nil, err
		}
		slog.Info("config: created default configuration", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	doc, cfg, err := s.decode(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	s.doc, s.cfg, s.sum = doc, cfg, sha256.Sum256(data)
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Config returns the current decoded configuration. The returned value must
// be treated as read-only; it is replaced, not mutated, on every write.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Decode decodes the value at the dot path into out.
func (s *Store) Decode(path string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := lookup(s.doc.Content[0], splitPath(path))
	if n == nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if err := n.Decode(out); err != nil {
		return fmt.Errorf("config: decode %q: %w", path, err)
	}
	return nil
}

// Get returns the value at the dot path decoded as T, or def when the path
// is absent or holds a value of another type.
func Get[T any](s *Store, path string, def T) T {
	var v T
	if err := s.Decode(path, &v); err != nil {
		return def
	}
	return v
}

// Update sets the value at the dot path, creating intermediate mappings as
// needed, and persists the document. The write is rejected, and the store
// left unchanged, when the resulting configuration does not validate.
func (s *Store) Update(path string, value any) error {
	keys := splitPath(path)
	if slices.Contains(keys, "") {
		return fmt.Errorf("config: update: invalid path %q", path)
	}
	var val yaml.Node
	if err := val.Encode(value); err != nil {
		return fmt.Errorf("config: update %q: encode: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := cloneNode(s.doc)
	parent := doc.Content[0]
	for _, k := range keys[:len(keys)-1] {
		child := lookup(parent, []string{k})
		switch {
		case child == nil:
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			parent.Content = append(parent.Content, keyNode(k), child)
		case child.Kind != yaml.MappingNode:
			return fmt.Errorf("config: update %q: %q is not a mapping", path, k)
		}
		parent = child
	}
	last := keys[len(keys)-1]
	if existing := lookup(parent, []string{last}); existing != nil {
		val.HeadComment = existing.HeadComment
		val.LineComment = existing.LineComment
		val.FootComment = existing.FootComment
		*existing = val
	} else {
		parent.Content = append(parent.Content, keyNode(last), &val)
	}

	data, err := encodeNode(doc)
	if err != nil {
		return fmt.Errorf("config: update %q: %w", path, err)
	}
	cfg, err := parse(data, s.getenv)
	if err != nil {
		return fmt.Errorf("config: update %q: %w", path, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	s.doc, s.cfg, s.sum = doc, cfg, sha256.Sum256(data)
	slog.Debug("config: updated", "path", path)
	return nil
}

// reload replaces the document with data when it differs from what the
// store last read or wrote.
func (s *Store) reload(data []byte) (old, cur *Config, changed bool, err error) {
	sum := sha256.Sum256(data)
	s.mu.RLock()
	same := sum == s.sum
	s.mu.RUnlock()
	if same {
		return nil, nil, false, nil
	}

	doc, cfg, err := s.decode(data)
	if err != nil {
		return nil, nil, false, err
	}
	s.mu.Lock()
	old = s.cfg
	s.doc, s.cfg, s.sum = doc, cfg, sum
	s.mu.Unlock()
	return old, cfg, true, nil
}

func (s *Store) decode(data []byte) (*yaml.Node, *Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil, errors.New("config: top level must be a mapping")
	}
	cfg, err := parse(data, s.getenv)
	if err != nil {
		return nil, nil, err
	}
	return &doc, cfg, nil
}

// ── Node helpers ─────────────────────────────────────────────────────────────

func splitPath(path string) []string { return strings.Split(path, ".") }

// lookup walks mapping keys from n and returns the value node, or nil.
func lookup(n *yaml.Node, keys []string) *yaml.Node {
	for _, k := range keys {
		if n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == k {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

func keyNode(k string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	c.Alias = cloneNode(n.Alias)
	return &c
}

func encodeNode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}
