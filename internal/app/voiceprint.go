package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/linkinwong/xiaozhi/internal/iot"
	"github.com/linkinwong/xiaozhi/internal/verify"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
)

// Voiceprint command actions.
const (
	ActionRegister      = "register"
	ActionRemove        = "remove"
	ActionEnable        = "enable"
	ActionSetThreshold  = "set_threshold"
	ActionAddAllowed    = "add_allowed"
	ActionRemoveAllowed = "remove_allowed"
	ActionGetAllowed    = "get_allowed"
	ActionSetMinLength  = "set_min_length"
)

// Config paths voiceprint changes are persisted to.
const (
	pathVoicePrintEnabled   = "voiceprint.enabled"
	pathVoicePrintThreshold = "voiceprint.threshold"
	pathVoicePrintAllowed   = "voiceprint.allowed_speakers"
	pathVoicePrintMinLength = "voiceprint.min_audio_length"
)

var (
	// ErrVoicePrintUnavailable is returned when no verifier is configured.
	ErrVoicePrintUnavailable = errors.New("app: speaker verification is not configured")

	// ErrUnknownAction is returned for an unrecognised voiceprint action.
	ErrUnknownAction = errors.New("app: unknown voiceprint action")
)

// VoicePrintCommand is one server request in the "voiceprint" iot domain.
type VoicePrintCommand struct {
	Domain    string          `json:"domain"`
	Action    string          `json:"action"`
	Name      string          `json:"name,omitempty"`
	AudioPath string          `json:"audio_path,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// VoicePrint runs one voiceprint command. Every change is applied live and
// persisted to the config store when one is configured.
func (a *App) VoicePrint(ctx context.Context, c VoicePrintCommand) (any, error) {
	if a.verifier == nil {
		return nil, ErrVoicePrintUnavailable
	}
	ctl := voicePrintControl{a}

	switch c.Action {
	case ActionRegister:
		if c.Name == "" || c.AudioPath == "" {
			return nil, fmt.Errorf("app: %s: name and audio_path are required", c.Action)
		}
		if err := a.registerSpeaker(ctx, c.Name, c.AudioPath); err != nil {
			return nil, err
		}
		return map[string]any{"name": c.Name, "allowed": a.verifier.Allowed()}, nil

	case ActionRemove:
		if c.Name == "" {
			return nil, fmt.Errorf("app: %s: name is required", c.Action)
		}
		if err := a.verifier.Remove(ctx, c.Name); err != nil {
			return nil, err
		}
		a.persist(pathVoicePrintAllowed, a.verifier.Allowed())
		return map[string]any{"name": c.Name}, nil

	case ActionEnable:
		on, err := c.boolValue(true)
		if err != nil {
			return nil, err
		}
		if err := ctl.SetEnabled(on); err != nil {
			return nil, err
		}
		return map[string]any{"enabled": on}, nil

	case ActionSetThreshold:
		v, err := c.numberValue(speaker.DefaultThreshold)
		if err != nil {
			return nil, err
		}
		got, err := ctl.SetThreshold(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{"threshold": got}, nil

	case ActionAddAllowed, ActionRemoveAllowed:
		if c.Name == "" {
			return nil, fmt.Errorf("app: %s: name is required", c.Action)
		}
		var changed bool
		if c.Action == ActionAddAllowed {
			changed = a.verifier.AddAllowed(c.Name)
		} else {
			changed = a.verifier.RemoveAllowed(c.Name)
		}
		if changed {
			a.persist(pathVoicePrintAllowed, a.verifier.Allowed())
		}
		return map[string]any{"changed": changed, "allowed": a.verifier.Allowed()}, nil

	case ActionGetAllowed:
		allowed := a.verifier.Allowed()
		slog.Info("allowed speakers", "speakers", allowed)
		return allowed, nil

	case ActionSetMinLength:
		v, err := c.numberValue(verify.DefaultMinLength)
		if err != nil {
			return nil, err
		}
		got := a.verifier.SetMinLength(v)
		a.persist(pathVoicePrintMinLength, got)
		return map[string]any{"min_audio_length": got}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
}

func (a *App) registerSpeaker(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("app: register %q: %w", name, err)
	}
	defer f.Close()

	wav, err := audio.ReadWAV(f)
	if err != nil {
		return fmt.Errorf("app: register %q: %w", name, err)
	}
	pcm := audio.Int16ToBytes(wav.Mono())
	if err := a.verifier.Register(ctx, name, pcm, wav.SampleRate); err != nil {
		return err
	}
	a.persist(pathVoicePrintAllowed, a.verifier.Allowed())
	return nil
}

// persist writes value to the config file. A failed write leaves the live
// change in place.
func (a *App) persist(path string, value any) {
	if a.store == nil {
		return
	}
	if err := a.store.Update(path, value); err != nil {
		slog.Warn("failed to persist setting", "path", path, "err", err)
	}
}

func (c VoicePrintCommand) boolValue(def bool) (bool, error) {
	if len(c.Value) == 0 {
		return def, nil
	}
	var v bool
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return false, fmt.Errorf("app: %s: value must be a boolean: %w", c.Action, err)
	}
	return v, nil
}

func (c VoicePrintCommand) numberValue(def float64) (float64, error) {
	if len(c.Value) == 0 {
		return def, nil
	}
	var v float64
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return 0, fmt.Errorf("app: %s: value must be a number: %w", c.Action, err)
	}
	return v, nil
}

// ─── IoT control ─────────────────────────────────────────────────────────────

var _ iot.VoicePrintControl = voicePrintControl{}

// voicePrintControl exposes the verification pipeline to the VoicePrint
// thing and persists the changes it makes.
type voicePrintControl struct{ a *App }

func (c voicePrintControl) Enabled() bool { return c.a.verifier.Enabled() }

func (c voicePrintControl) SetEnabled(on bool) error {
	c.a.verifier.SetEnabled(on)
	c.a.persist(pathVoicePrintEnabled, on)
	return nil
}

func (c voicePrintControl) Threshold() float64 { return c.a.verifier.Threshold() }

func (c voicePrintControl) SetThreshold(v float64) (float64, error) {
	got := c.a.verifier.SetThreshold(v)
	c.a.persist(pathVoicePrintThreshold, got)
	return got, nil
}

func (c voicePrintControl) Allowed() []string { return c.a.verifier.Allowed() }
