package umf

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewRequest(
		TextBlock("hello"),
		ContentBlock{Type: ContentTypeImage, Payload: []byte{0x89, 0x50, 0x4e, 0x47}, Filename: "chart.png", MIMEType: "image/png"},
		ContentBlock{Type: ContentTypeToolCall, ToolCall: &ToolCall{CallID: "c1", Name: "kstar:store_trace", Arguments: map[string]any{"goal": "x"}}},
	)
	msg.Source = &Address{AgentID: "exemplar", ChannelID: "cli"}
	msg.SessionID = "sess-1"
	msg.ConversationID = "conv-1"
	msg.Metadata["custom"] = "value"
	msg.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if got.ID != msg.ID || got.Type != msg.Type || got.SessionID != msg.SessionID {
		t.Errorf("envelope mismatch: got %+v", got)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp mismatch: got %v want %v", got.Timestamp, msg.Timestamp)
	}
	if got.Source == nil || got.Source.AgentID != "exemplar" || got.Source.ChannelID != "cli" {
		t.Errorf("source mismatch: got %+v", got.Source)
	}
	if len(got.Content) != 3 {
		t.Fatalf("expected 3 content blocks, got %d", len(got.Content))
	}
	if got.Content[0].Data != "hello" {
		t.Errorf("text block mismatch: %q", got.Content[0].Data)
	}
	if string(got.Content[1].Payload) != string(msg.Content[1].Payload) {
		t.Errorf("binary payload did not survive round trip")
	}
	if got.Content[1].Filename != "chart.png" {
		t.Errorf("filename mismatch: %q", got.Content[1].Filename)
	}
	if got.Content[2].ToolCall == nil || got.Content[2].ToolCall.Name != "kstar:store_trace" {
		t.Errorf("tool call mismatch: %+v", got.Content[2].ToolCall)
	}
	if got.Metadata["custom"] != "value" {
		t.Errorf("metadata mismatch: %v", got.Metadata)
	}
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"m1","content":[]}`))
	if !errors.Is(err, ErrDecodeInvalid) {
		t.Errorf("expected ErrDecodeInvalid, got %v", err)
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"id":"m1","type":"request","content":"not-an-array"}`))
	if !errors.Is(err, ErrDecodeInvalid) {
		t.Errorf("expected ErrDecodeInvalid, got %v", err)
	}
}

func TestDecodeUnknownContentType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"m1","type":"request","content":[{"type":"hologram","data":"x"}]}`))
	if !errors.Is(err, ErrDecodeUnsupported) {
		t.Errorf("expected ErrDecodeUnsupported, got %v", err)
	}
}

func TestDecodeForwardCompatible(t *testing.T) {
	// Unknown top-level and metadata keys must be accepted.
	data := []byte(`{"id":"m1","type":"request","content":[{"type":"text","data":"hi","sparkle":true}],"metadata":{"future_key":[1,2,3]},"future_field":"ignored"}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.FirstText() != "hi" {
		t.Errorf("FirstText() = %q", msg.FirstText())
	}
}

func TestNewResponseLinksRequest(t *testing.T) {
	req := NewRequest(TextBlock("q"))
	req.SessionID = "s1"
	resp := NewResponse(req, TextBlock("a"))
	if resp.ReplyTo != req.ID {
		t.Errorf("ReplyTo = %q, want %q", resp.ReplyTo, req.ID)
	}
	if resp.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", resp.SessionID)
	}
}

func TestErrorMessageCode(t *testing.T) {
	req := NewRequest(TextBlock("q"))
	errMsg := NewErrorMessage(req, "CAP_NOT_FOUND", "no such capability")
	if errMsg.ErrorCode() != "CAP_NOT_FOUND" {
		t.Errorf("ErrorCode() = %q", errMsg.ErrorCode())
	}
	if errMsg.ReplyTo != req.ID {
		t.Errorf("ReplyTo = %q, want %q", errMsg.ReplyTo, req.ID)
	}
}

func TestAddressURI(t *testing.T) {
	tests := []struct {
		addr Address
		want string
	}{
		{Address{AgentID: "exemplar"}, "p3394://exemplar"},
		{Address{AgentID: "exemplar", ChannelID: "cli"}, "p3394://exemplar/cli"},
		{Address{AgentID: "exemplar", ChannelID: "api", SessionID: "s1"}, "p3394://exemplar/api?session=s1"},
	}
	for _, tt := range tests {
		if got := tt.addr.URI(); got != tt.want {
			t.Errorf("URI() = %q, want %q", got, tt.want)
		}
		parsed, err := ParseAddress(tt.want)
		if err != nil {
			t.Fatalf("ParseAddress(%q) error = %v", tt.want, err)
		}
		if parsed != tt.addr {
			t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.want, parsed, tt.addr)
		}
	}
}

func TestParseAddressRejectsWrongScheme(t *testing.T) {
	if _, err := ParseAddress("http://exemplar"); err == nil {
		t.Error("expected error for wrong scheme")
	}
}
