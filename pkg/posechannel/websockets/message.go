package websockets

import (
	"encoding/json"
	"fmt"
)

// Event names carried in the "t" field.
const (
	EventPoseUpdate = "pose_update" // client to server
	EventError      = "error"       // server to client
)

// ClientIDHeader carries the client's identifier on the handshake request.
const ClientIDHeader = "X-Client-Id"

// WireMessage represents the JSON structure for WebSocket frames. Short
// field names keep pose streams compact.
type WireMessage struct {
	Event string `json:"t"`           // Event name
	Data  any    `json:"d,omitempty"` // Event payload, passed through unchanged
	Error string `json:"e,omitempty"` // Error description (used with EventError)
}

// Encode marshals an event frame.
func Encode(event string, data any) ([]byte, error) {
	frame, err := json.Marshal(WireMessage{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// EncodeError marshals an error frame.
func EncodeError(description string) ([]byte, error) {
	return json.Marshal(WireMessage{Event: EventError, Error: description})
}

// Decode parses a frame. Frames without an event name are rejected.
func Decode(data []byte) (WireMessage, error) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid frame: %w", err)
	}
	if msg.Event == "" {
		return msg, fmt.Errorf("invalid frame: missing event name")
	}
	return msg, nil
}
