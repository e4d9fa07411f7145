package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// DefaultPushTimeout bounds one state push.
const DefaultPushTimeout = 2 * time.Second

// Command is one server request to invoke a thing method.
type Command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
}

var _ device.StatePusher = (*Manager)(nil)

// Manager is the thing registry. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	things []*Thing
	byName map[string]*Thing

	// last holds the rendered state of each thing as of the previous
	// snapshot, keyed by name.
	snapMu sync.Mutex
	last   map[string]string

	channel     transport.Channel
	pushTimeout time.Duration
	pushes      sync.WaitGroup
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithChannel sets the channel PushStates sends on.
func WithChannel(ch transport.Channel) ManagerOption {
	return func(m *Manager) { m.channel = ch }
}

// WithPushTimeout bounds each state push.
func WithPushTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pushTimeout = d
		}
	}
}

// NewManager returns an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		byName:      make(map[string]*Thing),
		last:        make(map[string]string),
		pushTimeout: DefaultPushTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers t.
func (m *Manager) Add(t *Thing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateThing, t.Name())
	}
	m.things = append(m.things, t)
	m.byName[t.Name()] = t
	return nil
}

// Things returns the registered things in registration order.
func (m *Manager) Things() []*Thing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Thing(nil), m.things...)
}

// Thing returns the named thing.
func (m *Manager) Thing(name string) (*Thing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byName[name]
	return t, ok
}

// DescriptorsJSON renders the descriptor list.
func (m *Manager) DescriptorsJSON() (json.RawMessage, error) {
	things := m.Things()
	out := make([]thingDescriptor, len(things))
	for i, t := range things {
		out[i] = t.descriptor()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("iot: marshal descriptors: %w", err)
	}
	return b, nil
}

// States renders the state of every thing without touching the delta cache.
func (m *Manager) States() (json.RawMessage, error) {
	things := m.Things()
	out := make([]thingState, len(things))
	for i, t := range things {
		out[i] = t.state()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("iot: marshal states: %w", err)
	}
	return b, nil
}

// StatesSnapshot renders thing states. With delta set only things whose
// state changed since the previous snapshot are included and changed
// reports whether there were any. A full snapshot includes every thing,
// always reports changed and refreshes the delta cache.
func (m *Manager) StatesSnapshot(delta bool) (changed bool, states json.RawMessage, err error) {
	things := m.Things()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	out := make([]thingState, 0, len(things))
	rendered := make(map[string]string, len(things))
	for _, t := range things {
		s := t.state()
		b, err := json.Marshal(s)
		if err != nil {
			return false, nil, fmt.Errorf("iot: marshal %s state: %w", t.Name(), err)
		}
		rendered[t.Name()] = string(b)
		if !delta || m.last[t.Name()] != string(b) {
			out = append(out, s)
		}
	}
	for name, b := range rendered {
		m.last[name] = b
	}

	if delta && len(out) == 0 {
		return false, json.RawMessage("[]"), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return false, nil, fmt.Errorf("iot: marshal states: %w", err)
	}
	return true, b, nil
}

// Invoke runs cmd.
func (m *Manager) Invoke(ctx context.Context, cmd Command) (any, error) {
	t, ok := m.Thing(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownThing, cmd.Name)
	}
	res, err := t.Invoke(ctx, cmd.Method, cmd.Parameters)
	if err != nil {
		return nil, err
	}
	slog.Info("iot command invoked", "thing", cmd.Name, "method", cmd.Method)
	return res, nil
}

// PushStates sends a state snapshot on the channel when it is open. The send
// runs in the background so callers on the state machine never wait on the
// network.
func (m *Manager) PushStates(ctx context.Context, full bool) {
	if m.channel == nil || !m.channel.IsAudioChannelOpened() {
		return
	}
	changed, states, err := m.StatesSnapshot(!full)
	if err != nil {
		slog.Warn("iot: state snapshot failed", "error", err)
		return
	}
	if !changed {
		return
	}

	m.pushes.Add(1)
	go func() {
		defer m.pushes.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.pushTimeout)
		defer cancel()
		if err := transport.SendIoTStates(ctx, m.channel, states); err != nil {
			slog.Warn("iot: failed to push states", "full", full, "error", err)
		}
	}()
}

// SendDescriptors sends the descriptor list on the channel.
func (m *Manager) SendDescriptors(ctx context.Context) error {
	if m.channel == nil {
		return transport.ErrNotConnected
	}
	d, err := m.DescriptorsJSON()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.pushTimeout)
	defer cancel()
	return transport.SendIoTDescriptors(ctx, m.channel, d)
}

// Wait blocks until background pushes have finished.
func (m *Manager) Wait() { m.pushes.Wait() }
