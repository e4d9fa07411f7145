package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the value of the Protocol-Version header and of the
// hello message version field.
const ProtocolVersion = 1

// AudioParams describes the uplink audio format announced in the hello.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Hello is exchanged once in each direction after the connection opens.
type Hello struct {
	Type        string       `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport"`
	SessionID   string       `json:"session_id,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// Envelope is the common header of every JSON message. Inbound dispatch
// decodes this first and then the type-specific body.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
}

// Listen states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

type listenMessage struct {
	SessionID string     `json:"session_id"`
	Type      string     `json:"type"`
	State     string     `json:"state"`
	Mode      ListenMode `json:"mode,omitempty"`
	Text      string     `json:"text,omitempty"`
}

type abortMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
}

type iotMessage struct {
	SessionID   string          `json:"session_id"`
	Type        string          `json:"type"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
}

type mcpMessage struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// AbortMessage builds the abort request. The reason is included only for
// [ReasonWakeWordDetected], matching what the server expects.
func AbortMessage(sessionID string, reason AbortReason) ([]byte, error) {
	msg := abortMessage{SessionID: sessionID, Type: "abort"}
	if reason == ReasonWakeWordDetected {
		msg.Reason = reason.String()
	}
	return json.Marshal(msg)
}

// ListenMessage builds a listen start/stop/detect message.
func ListenMessage(sessionID, state string, mode ListenMode, text string) ([]byte, error) {
	return json.Marshal(listenMessage{
		SessionID: sessionID,
		Type:      "listen",
		State:     state,
		Mode:      mode,
		Text:      text,
	})
}

// SendStartListening sends "listen start" with mode.
func SendStartListening(ctx context.Context, ch Channel, mode ListenMode) error {
	msg, err := ListenMessage(ch.SessionID(), ListenStart, mode, "")
	if err != nil {
		return fmt.Errorf("transport: encode listen start: %w", err)
	}
	return ch.SendText(ctx, msg)
}

// SendStopListening sends "listen stop".
func SendStopListening(ctx context.Context, ch Channel) error {
	msg, err := ListenMessage(ch.SessionID(), ListenStop, "", "")
	if err != nil {
		return fmt.Errorf("transport: encode listen stop: %w", err)
	}
	return ch.SendText(ctx, msg)
}

// SendWakeWordDetected sends "listen detect" carrying the wake word text.
func SendWakeWordDetected(ctx context.Context, ch Channel, text string) error {
	msg, err := ListenMessage(ch.SessionID(), ListenDetect, "", text)
	if err != nil {
		return fmt.Errorf("transport: encode listen detect: %w", err)
	}
	return ch.SendText(ctx, msg)
}

// SendIoTDescriptors sends the thing descriptors.
func SendIoTDescriptors(ctx context.Context, ch Channel, descriptors json.RawMessage) error {
	msg, err := json.Marshal(iotMessage{SessionID: ch.SessionID(), Type: "iot", Descriptors: descriptors})
	if err != nil {
		return fmt.Errorf("transport: encode iot descriptors: %w", err)
	}
	return ch.SendText(ctx, msg)
}

// SendIoTStates sends a thing state snapshot.
func SendIoTStates(ctx context.Context, ch Channel, states json.RawMessage) error {
	msg, err := json.Marshal(iotMessage{SessionID: ch.SessionID(), Type: "iot", States: states})
	if err != nil {
		return fmt.Errorf("transport: encode iot states: %w", err)
	}
	return ch.SendText(ctx, msg)
}

// SendMCP sends one JSON-RPC payload wrapped in an mcp envelope.
func SendMCP(ctx context.Context, ch Channel, payload json.RawMessage) error {
	msg, err := json.Marshal(mcpMessage{SessionID: ch.SessionID(), Type: "mcp", Payload: payload})
	if err != nil {
		return fmt.Errorf("transport: encode mcp: %w", err)
	}
	return ch.SendText(ctx, msg)
}
