// Package channel defines the adapter framework: the contract every channel
// adapter satisfies and the content adaptation that downgrades outbound
// messages to what a channel can actually carry.
package channel

import (
	"context"

	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

// Capabilities describes what a channel can carry.
type Capabilities struct {
	ContentTypes      []umf.ContentType `json:"content_types"`
	MaxMessageSize    int64             `json:"max_message_size"`
	MaxAttachmentSize int64             `json:"max_attachment_size,omitempty"`
	Streaming         bool              `json:"streaming"`
	Attachments       bool              `json:"attachments"`
	Images            bool              `json:"images"`
	Folders           bool              `json:"folders"`
	Multipart         bool              `json:"multipart"`
	Markdown          bool              `json:"markdown"`
	HTML              bool              `json:"html"`
	RateLimitPerMin   int               `json:"rate_limit_per_min,omitempty"`
}

// Supports reports whether t is in the channel's content type list.
func (c Capabilities) Supports(t umf.ContentType) bool {
	for _, ct := range c.ContentTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Gateway is the inbound side every adapter delivers to. Handle never
// returns nil; failures come back as ERROR messages.
type Gateway interface {
	Handle(ctx context.Context, msg *umf.Message) *umf.Message
}

// MetaSecurity is the metadata key carrying the security sub-map, and
// MetaClientAssertion the key of the assertion within it.
const (
	MetaSecurity        = "security"
	MetaClientAssertion = "client_assertion"
)

// AttachAssertion stores a client-principal assertion in msg's metadata
// where the gateway looks for it.
func AttachAssertion(msg *umf.Message, a principal.Assertion) {
	sec, _ := msg.Metadata[MetaSecurity].(map[string]any)
	if sec == nil {
		sec = map[string]any{}
	}
	sec[MetaClientAssertion] = a
	msg.SetMeta(MetaSecurity, sec)
}

// HasAssertion reports whether an adapter already attached an assertion.
func HasAssertion(msg *umf.Message) bool {
	_, ok := ExtractAssertion(msg)
	return ok
}

// ExtractAssertion reads the assertion back out of msg metadata. The second
// return is false when no adapter attached one.
func ExtractAssertion(msg *umf.Message) (principal.Assertion, bool) {
	sec, _ := msg.Metadata[MetaSecurity].(map[string]any)
	if sec == nil {
		return principal.Assertion{}, false
	}
	switch v := sec[MetaClientAssertion].(type) {
	case principal.Assertion:
		return v, true
	case map[string]any:
		// Assertions that crossed a JSON boundary arrive as maps.
		a := principal.Assertion{}
		a.ChannelID, _ = v["channel_id"].(string)
		a.ChannelIdentity, _ = v["channel_identity"].(string)
		a.Method, _ = v["method"].(string)
		if f, ok := v["assurance"].(float64); ok {
			a.Assurance = principal.Assurance(int(f))
		}
		return a, a.ChannelID != ""
	}
	return principal.Assertion{}, false
}

// Adapter is the contract every channel implementation satisfies. The
// gateway talks to channels only through this interface.
type Adapter interface {
	// ID is the channel identifier used in addresses and bindings.
	ID() string

	Capabilities() Capabilities

	// Authenticate produces the client-principal assertion for a
	// connection-scoped context.
	Authenticate(ctx context.Context) principal.Assertion

	// Start runs the adapter until ctx is cancelled.
	Start(ctx context.Context) error
	Stop() error

	// SendToClient pushes an out-of-band message to a connected client.
	SendToClient(replyTo string, msg *umf.Message) error

	// Endpoints maps command names to this channel's native syntax.
	Endpoints() map[string]string

	NormalizeCommand(raw string) string
	MapCommandSyntax(canonical string) string
}
