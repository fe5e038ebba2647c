// Package protocol defines the JSON frame formats exchanged with chat
// clients over the WebSocket. Inbound frames carry a single "message" field;
// outbound frames are either a chat payload (message, username, timestamp) or
// an error payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Human-facing error texts. These travel to the client verbatim.
const (
	ErrInvalidFormat = "Invalid message format"
	ErrAuthRequired  = "Authentication required"
	ErrServer        = "Server error"
)

// TimestampLayout is the wall-clock format stamped on broadcast chat frames.
const TimestampLayout = "15:04"

// Inbound is a client frame: {"message": "..."}.
type Inbound struct {
	Message string `json:"message"`
}

// ChatFrame is the broadcast payload for an accepted message.
type ChatFrame struct {
	Message   string `json:"message"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame reports a rejected message or a server-side failure to the
// client. ModerationBlocked is set only when the moderation pipeline blocked
// the message, so clients can distinguish policy rejections from faults.
type ErrorFrame struct {
	Error             string `json:"error"`
	ModerationBlocked bool   `json:"moderation_blocked,omitempty"`
}

// ParseInbound decodes a client frame. Any malformed JSON or a JSON value
// that is not an object with a string "message" field is an error; the
// session layer answers those with ErrInvalidFormat.
func ParseInbound(data []byte) (Inbound, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("protocol: parse inbound frame: %w", err)
	}

	field, ok := raw["message"]
	if !ok {
		return Inbound{}, fmt.Errorf("protocol: inbound frame missing \"message\" field")
	}

	var in Inbound
	if err := json.Unmarshal(field, &in.Message); err != nil {
		return Inbound{}, fmt.Errorf("protocol: \"message\" field is not a string: %w", err)
	}
	return in, nil
}

// NewChatFrame encodes a broadcast chat frame, stamping the given wall-clock
// time as HH:MM in the server's local zone.
func NewChatFrame(username, message string, at time.Time) ([]byte, error) {
	out, err := json.Marshal(ChatFrame{
		Message:   message,
		Username:  username,
		Timestamp: at.Local().Format(TimestampLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal chat frame: %w", err)
	}
	return out, nil
}

// NewErrorFrame encodes a plain error frame.
func NewErrorFrame(reason string) ([]byte, error) {
	return marshalError(ErrorFrame{Error: reason})
}

// NewModerationBlockedFrame encodes the error frame for a message the
// moderation pipeline rejected.
func NewModerationBlockedFrame(reason string) ([]byte, error) {
	return marshalError(ErrorFrame{Error: reason, ModerationBlocked: true})
}

func marshalError(f ErrorFrame) ([]byte, error) {
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal error frame: %w", err)
	}
	return out, nil
}
