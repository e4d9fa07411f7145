package iot_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/internal/iot"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/transport/mock"
)

type fakeVoicePrint struct {
	enabled   bool
	threshold float64
	allowed   []string
}

func (f *fakeVoicePrint) Enabled() bool      { return f.enabled }
func (f *fakeVoicePrint) Threshold() float64 { return f.threshold }
func (f *fakeVoicePrint) Allowed() []string  { return f.allowed }

func (f *fakeVoicePrint) SetEnabled(on bool) error {
	f.enabled = on
	return nil
}

func (f *fakeVoicePrint) SetThreshold(v float64) (float64, error) {
	f.threshold = min(max(v, 0.01), 0.99)
	return f.threshold, nil
}

func newManager(t *testing.T, opts ...iot.ManagerOption) (*iot.Manager, *audio.Volume, *fakeVoicePrint) {
	t.Helper()
	vol := audio.NewVolume(70)
	vp := &fakeVoicePrint{threshold: 0.18, allowed: []string{"alice", "bob"}}
	m := iot.NewManager(opts...)
	if err := m.Add(iot.NewSpeaker(vol)); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(iot.NewVoicePrint(vp)); err != nil {
		t.Fatal(err)
	}
	return m, vol, vp
}

func decodeStates(t *testing.T, raw json.RawMessage) map[string]map[string]any {
	t.Helper()
	var list []struct {
		Name  string         `json:"name"`
		State map[string]any `json:"state"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode states %s: %v", raw, err)
	}
	out := make(map[string]map[string]any, len(list))
	for _, s := range list {
		out[s.Name] = s.State
	}
	return out
}

func TestManager_DuplicateThing(t *testing.T) {
	t.Parallel()

	m, vol, _ := newManager(t)
	err := m.Add(iot.NewSpeaker(vol))
	if !errors.Is(err, iot.ErrDuplicateThing) {
		t.Fatalf("Add duplicate = %v, want ErrDuplicateThing", err)
	}
	if got := len(m.Things()); got != 2 {
		t.Errorf("things = %d, want 2", got)
	}
}

func TestManager_Descriptors(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	raw, err := m.DescriptorsJSON()
	if err != nil {
		t.Fatal(err)
	}
	var list []struct {
		Name       string `json:"name"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Methods map[string]struct {
			Parameters map[string]struct {
				Type string `json:"type"`
			} `json:"parameters"`
		} `json:"methods"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "Speaker" || list[1].Name != "VoicePrint" {
		t.Fatalf("descriptors = %s", raw)
	}
	if got := list[0].Properties["volume"].Type; got != "number" {
		t.Errorf("volume type = %q, want number", got)
	}
	if got := list[0].Methods["SetVolume"].Parameters["volume"].Type; got != "number" {
		t.Errorf("SetVolume volume type = %q, want number", got)
	}
	if _, ok := list[1].Methods["SetThreshold"]; !ok {
		t.Error("VoicePrint.SetThreshold missing from descriptor")
	}
}

func TestManager_StatesDelta(t *testing.T) {
	t.Parallel()

	m, vol, _ := newManager(t)

	changed, raw, err := m.StatesSnapshot(false)
	if err != nil || !changed {
		t.Fatalf("full snapshot = %v, %v", changed, err)
	}
	states := decodeStates(t, raw)
	if states["Speaker"]["volume"] != float64(70) {
		t.Errorf("volume = %v, want 70", states["Speaker"]["volume"])
	}
	if states["VoicePrint"]["allowed"] != "alice,bob" {
		t.Errorf("allowed = %v", states["VoicePrint"]["allowed"])
	}

	changed, raw, err = m.StatesSnapshot(true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Errorf("delta without change = %s, want unchanged", raw)
	}

	vol.Set(30)
	changed, raw, err = m.StatesSnapshot(true)
	if err != nil || !changed {
		t.Fatalf("delta after change = %v, %v", changed, err)
	}
	states = decodeStates(t, raw)
	if len(states) != 1 || states["Speaker"]["volume"] != float64(30) {
		t.Errorf("delta = %s, want only Speaker volume 30", raw)
	}
}

func TestManager_Invoke(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cmd     iot.Command
		wantErr error
	}{
		{"set volume", iot.Command{Name: "Speaker", Method: "SetVolume", Parameters: map[string]any{"volume": 40.0}}, nil},
		{"int parameter", iot.Command{Name: "Speaker", Method: "SetVolume", Parameters: map[string]any{"volume": 40}}, nil},
		{"unknown thing", iot.Command{Name: "Lamp", Method: "TurnOn"}, iot.ErrUnknownThing},
		{"unknown method", iot.Command{Name: "Speaker", Method: "Mute"}, iot.ErrUnknownMethod},
		{"missing parameter", iot.Command{Name: "Speaker", Method: "SetVolume"}, iot.ErrInvalidParam},
		{"wrong type", iot.Command{Name: "Speaker", Method: "SetVolume", Parameters: map[string]any{"volume": "loud"}}, iot.ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, vol, _ := newManager(t)
			_, err := m.Invoke(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Invoke = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && vol.Get() != 40 {
				t.Errorf("volume = %d, want 40", vol.Get())
			}
		})
	}
}

func TestSpeaker_VolumeIsClamped(t *testing.T) {
	t.Parallel()

	m, vol, _ := newManager(t)
	res, err := m.Invoke(context.Background(), iot.Command{Name: "Speaker", Method: "SetVolume", Parameters: map[string]any{"volume": 150.0}})
	if err != nil {
		t.Fatal(err)
	}
	if vol.Get() != 100 {
		t.Errorf("volume = %d, want 100", vol.Get())
	}
	if got := res.(map[string]any)["volume"]; got != 100 {
		t.Errorf("result volume = %v, want 100", got)
	}
}

func TestVoicePrint_Methods(t *testing.T) {
	t.Parallel()

	m, _, vp := newManager(t)
	ctx := context.Background()

	if _, err := m.Invoke(ctx, iot.Command{Name: "VoicePrint", Method: "SetEnabled", Parameters: map[string]any{"enabled": true}}); err != nil {
		t.Fatal(err)
	}
	if !vp.enabled {
		t.Error("verification not enabled")
	}
	res, err := m.Invoke(ctx, iot.Command{Name: "VoicePrint", Method: "SetThreshold", Parameters: map[string]any{"threshold": 2.0}})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.(map[string]any)["threshold"]; got != 0.99 {
		t.Errorf("threshold = %v, want 0.99", got)
	}
}

func TestManager_PushStates(t *testing.T) {
	t.Parallel()

	ch := mock.New()
	m, vol, _ := newManager(t, iot.WithChannel(ch), iot.WithPushTimeout(time.Second))
	ctx := context.Background()

	m.PushStates(ctx, true)
	m.Wait()
	if got := len(ch.Texts()); got != 0 {
		t.Fatalf("pushed %d messages on a closed channel", got)
	}

	ch.SetOpened(true)
	m.PushStates(ctx, true)
	m.Wait()
	m.PushStates(ctx, false) // nothing changed
	m.Wait()
	vol.Set(10)
	m.PushStates(ctx, false)
	m.Wait()

	msgs := ch.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2: %v", len(msgs), msgs)
	}
	for _, msg := range msgs {
		if msg["type"] != "iot" {
			t.Errorf("type = %v, want iot", msg["type"])
		}
	}
	delta, _ := msgs[1]["states"].([]any)
	if len(delta) != 1 {
		t.Errorf("delta states = %v, want one thing", delta)
	}
}

func TestManager_SendDescriptors(t *testing.T) {
	t.Parallel()

	ch := mock.New()
	m, _, _ := newManager(t, iot.WithChannel(ch))
	if err := m.SendDescriptors(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := ch.Messages()
	if len(msgs) != 1 || msgs[0]["descriptors"] == nil {
		t.Fatalf("messages = %v, want one descriptor message", msgs)
	}
}
