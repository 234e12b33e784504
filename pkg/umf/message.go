// Package umf implements the Universal Message Format: the canonical
// envelope for every message that enters, traverses, or leaves the gateway,
// regardless of the channel it arrived on.
package umf

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a UMF message.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// ContentType classifies a content block.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeJSON       ContentType = "json"
	ContentTypeMarkdown   ContentType = "markdown"
	ContentTypeHTML       ContentType = "html"
	ContentTypeBinary     ContentType = "binary"
	ContentTypeImage      ContentType = "image"
	ContentTypeFile       ContentType = "file"
	ContentTypeToolCall   ContentType = "tool_call"
	ContentTypeToolResult ContentType = "tool_result"
	ContentTypeFolder     ContentType = "folder"
)

// knownContentTypes is the set a decoder of this version understands.
var knownContentTypes = map[ContentType]bool{
	ContentTypeText:       true,
	ContentTypeJSON:       true,
	ContentTypeMarkdown:   true,
	ContentTypeHTML:       true,
	ContentTypeBinary:     true,
	ContentTypeImage:      true,
	ContentTypeFile:       true,
	ContentTypeToolCall:   true,
	ContentTypeToolResult: true,
	ContentTypeFolder:     true,
}

// Message is the universal envelope. Every inbound native message is wrapped
// into one of these by its channel adapter before the gateway sees it.
type Message struct {
	ID             string         `json:"id"`
	Type           MessageType    `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         *Address       `json:"source,omitempty"`
	Destination    *Address       `json:"destination,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        []ContentBlock `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ContentBlock carries one unit of message content. Data holds the
// JSON-native payload for textual types; binary types use Payload plus
// Filename and travel base64-encoded on the wire.
type ContentBlock struct {
	Type       ContentType    `json:"type"`
	Data       string         `json:"data,omitempty"`
	Payload    []byte         `json:"-"`
	Filename   string         `json:"filename,omitempty"`
	MIMEType   string         `json:"mime_type,omitempty"`
	ToolCall   *ToolCall      `json:"tool_call,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall is the structured record behind a TOOL_CALL block.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the structured record behind a TOOL_RESULT block.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewRequest builds a REQUEST message with a fresh id and timestamp.
func NewRequest(content ...ContentBlock) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeRequest,
		Timestamp: time.Now().UTC(),
		Content:   content,
		Metadata:  map[string]any{},
	}
}

// NewResponse builds a RESPONSE answering req. ReplyTo, SessionID and
// ConversationID are carried over from the request.
func NewResponse(req *Message, content ...ContentBlock) *Message {
	return &Message{
		ID:             uuid.NewString(),
		Type:           MessageTypeResponse,
		Timestamp:      time.Now().UTC(),
		ReplyTo:        req.ID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Content:        content,
		Metadata:       map[string]any{},
	}
}

// NewErrorMessage builds an ERROR reply carrying a stable machine code and a
// short human-readable explanation.
func NewErrorMessage(req *Message, code, text string) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeError,
		Timestamp: time.Now().UTC(),
		Content:   []ContentBlock{TextBlock(text)},
		Metadata:  map[string]any{"error_code": code},
	}
	if req != nil {
		m.ReplyTo = req.ID
		m.SessionID = req.SessionID
		m.ConversationID = req.ConversationID
	}
	return m
}

// TextBlock wraps s as a TEXT content block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Data: s}
}

// MarkdownBlock wraps s as a MARKDOWN content block.
func MarkdownBlock(s string) ContentBlock {
	return ContentBlock{Type: ContentTypeMarkdown, Data: s}
}

// FirstText returns the data of the first TEXT or MARKDOWN block, or "".
func (m *Message) FirstText() string {
	for _, b := range m.Content {
		if b.Type == ContentTypeText || b.Type == ContentTypeMarkdown {
			return b.Data
		}
	}
	return ""
}

// ErrorCode returns the machine code of an ERROR message, or "".
func (m *Message) ErrorCode() string {
	if m.Type != MessageTypeError || m.Metadata == nil {
		return ""
	}
	code, _ := m.Metadata["error_code"].(string)
	return code
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = value
}
