package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/iot"
	"github.com/linkinwong/xiaozhi/internal/iot/mcpbridge"
)

// TTS states sent by the server.
const (
	ttsStart         = "start"
	ttsStop          = "stop"
	ttsSentenceStart = "sentence_start"
)

// Chat roles shown on the display.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// domainVoicePrint routes an iot command to the voiceprint handler.
const domainVoicePrint = "voiceprint"

// inboundMessage is the union of the server messages the client reacts to.
type inboundMessage struct {
	Type     string            `json:"type"`
	State    string            `json:"state"`
	Text     string            `json:"text"`
	Emotion  string            `json:"emotion"`
	Commands []json.RawMessage `json:"commands"`
	Payload  json.RawMessage   `json:"payload"`
}

// onIncomingJSON runs on the transport reader goroutine.
func (a *App) onIncomingJSON(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("dropping malformed server message", "err", err)
		return
	}

	switch msg.Type {
	case "tts":
		a.onTTS(msg)
	case "stt":
		slog.Info("recognised speech", "text", msg.Text)
		a.display.SetChatMessage(RoleUser, msg.Text)
	case "llm":
		if msg.Emotion != "" {
			a.display.SetEmotion(msg.Emotion)
		}
	case "iot":
		a.dispatchIoT(msg.Commands)
	case "mcp":
		if err := a.bridge.HandleMessage(msg.Payload); err != nil {
			if errors.Is(err, mcpbridge.ErrNotStarted) {
				slog.Debug("mcp message before bridge start")
				return
			}
			slog.Warn("failed to handle mcp message", "err", err)
		}
	case "hello":
	default:
		slog.Warn("unknown server message type", "type", msg.Type)
	}
}

func (a *App) onTTS(msg inboundMessage) {
	switch msg.State {
	case ttsStart:
		a.flags.SetTTSPlaying(true)
		a.sched.Schedule(command.To(device.Speaking))
	case ttsStop:
		a.sched.Schedule(command.Of(command.TTSStopped))
	case ttsSentenceStart:
		if msg.Text != "" {
			slog.Info("assistant sentence", "text", msg.Text)
			a.display.SetChatMessage(RoleAssistant, msg.Text)
		}
	default:
		slog.Debug("unhandled tts state", "state", msg.State)
	}
}

// onIncomingAudio queues a server packet for playback. Packets arriving
// outside Speaking belong to an interrupted reply and are dropped.
func (a *App) onIncomingAudio(packet []byte) {
	if !a.machine.Is(device.Speaking) {
		return
	}
	_ = a.inbound.Push(packet)
}

// dispatchIoT runs the commands off the reader goroutine and then pushes the
// states they changed.
func (a *App) dispatchIoT(cmds []json.RawMessage) {
	if len(cmds) == 0 {
		return
	}
	a.goAsync(func(ctx context.Context) {
		for _, raw := range cmds {
			a.runIoTCommand(ctx, raw)
		}
		a.things.PushStates(ctx, false)
	})
}

func (a *App) runIoTCommand(ctx context.Context, raw json.RawMessage) {
	var head struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		slog.Warn("dropping malformed iot command", "err", err)
		return
	}

	if head.Domain == domainVoicePrint {
		var vc VoicePrintCommand
		if err := json.Unmarshal(raw, &vc); err != nil {
			slog.Warn("dropping malformed voiceprint command", "err", err)
			return
		}
		res, err := a.VoicePrint(ctx, vc)
		if err != nil {
			slog.Error("voiceprint command failed", "action", vc.Action, "err", err)
			return
		}
		slog.Info("voiceprint command done", "action", vc.Action, "result", res)
		return
	}

	var cmd iot.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Warn("dropping malformed iot command", "err", err)
		return
	}
	res, err := a.things.Invoke(ctx, cmd)
	if err != nil {
		slog.Warn("iot command failed", "thing", cmd.Name, "method", cmd.Method, "err", err)
		return
	}
	slog.Info("iot command done", "thing", cmd.Name, "method", cmd.Method, "result", res)
}
