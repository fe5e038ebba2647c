package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"plain", `{"message":"hello"}`, "hello", false},
		{"extra fields ignored", `{"message":"hi","room":"x"}`, "hi", false},
		{"empty string", `{"message":""}`, "", false},
		{"not json", `hello`, "", true},
		{"missing field", `{"text":"hello"}`, "", true},
		{"wrong type", `{"message":42}`, "", true},
		{"array", `["message"]`, "", true},
		{"null body", `null`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseInbound([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInbound(%q) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			}
			if err == nil && in.Message != tt.want {
				t.Errorf("Message = %q, want %q", in.Message, tt.want)
			}
		})
	}
}

func TestNewChatFrame(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 7, 33, 0, time.Local)

	data, err := NewChatFrame("alice", "hello room", at)
	if err != nil {
		t.Fatalf("NewChatFrame: %v", err)
	}

	var f ChatFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Username != "alice" || f.Message != "hello room" {
		t.Errorf("frame = %+v", f)
	}
	if f.Timestamp != "14:07" {
		t.Errorf("timestamp = %q, want %q", f.Timestamp, "14:07")
	}
}

func TestErrorFrames(t *testing.T) {
	data, err := NewErrorFrame(ErrAuthRequired)
	if err != nil {
		t.Fatalf("NewErrorFrame: %v", err)
	}
	var f ErrorFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Error != ErrAuthRequired || f.ModerationBlocked {
		t.Errorf("frame = %+v", f)
	}

	// A plain error frame must not carry the moderation flag at all.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if _, present := raw["moderation_blocked"]; present {
		t.Error("plain error frame carries moderation_blocked")
	}

	data, err = NewModerationBlockedFrame("Be polite")
	if err != nil {
		t.Fatalf("NewModerationBlockedFrame: %v", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Error != "Be polite" || !f.ModerationBlocked {
		t.Errorf("frame = %+v", f)
	}
}
