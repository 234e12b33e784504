package umf

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Decode errors. Callers distinguish a malformed message from a message this
// reader is too old to understand.
var (
	ErrDecodeInvalid     = errors.New("invalid message")
	ErrDecodeUnsupported = errors.New("unsupported content type")
)

// isBinary reports whether a content type carries a byte payload that must be
// base64-wrapped on the wire.
func isBinary(t ContentType) bool {
	return t == ContentTypeBinary || t == ContentTypeImage || t == ContentTypeFile
}

// MarshalJSON encodes the block for the wire. Binary payloads are
// base64-encoded into the data field.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	type alias ContentBlock
	a := alias(b)
	if isBinary(b.Type) && len(b.Payload) > 0 {
		a.Data = base64.StdEncoding.EncodeToString(b.Payload)
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes the wire form, unwrapping base64 payloads for binary
// content types. Unknown fields are ignored for forward compatibility.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	if isBinary(b.Type) && b.Data != "" {
		payload, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return fmt.Errorf("content block %s: bad base64 payload: %w", b.Type, err)
		}
		b.Payload = payload
		b.Data = ""
	}
	return nil
}

// Encode serializes a message to its JSON wire form.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrDecodeInvalid)
	}
	return json.Marshal(m)
}

// Decode parses a wire-form message. It fails with ErrDecodeInvalid when a
// required field is missing or has the wrong JSON type, and with
// ErrDecodeUnsupported when a content block names a type this reader does not
// know. Unknown metadata keys and unknown top-level keys are accepted.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: field %q has wrong type", ErrDecodeInvalid, typeErr.Field)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecodeInvalid, err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeReader reads r to its end and decodes one message.
func DecodeReader(r io.Reader) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeInvalid, err)
	}
	return Decode(data)
}

// validate checks the fields the wire contract requires. The message id is
// deliberately not required: adapters mint one for inbound messages that
// arrive without it.
func validate(m *Message) error {
	switch m.Type {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification, MessageTypeError:
	case "":
		return fmt.Errorf("%w: missing type", ErrDecodeInvalid)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrDecodeInvalid, m.Type)
	}
	for i, b := range m.Content {
		if b.Type == "" {
			return fmt.Errorf("%w: content[%d] missing type", ErrDecodeInvalid, i)
		}
		if !knownContentTypes[b.Type] {
			return fmt.Errorf("%w: content[%d] type %q", ErrDecodeUnsupported, i, b.Type)
		}
	}
	return nil
}
