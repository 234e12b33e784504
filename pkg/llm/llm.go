// Package llm abstracts the text-generation backend behind the gateway's
// LLM substrate.
package llm

import (
	"context"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation sent to the backend.
type Message struct {
	Role string
	Text string
}

// Usage reports token consumption for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client generates text. Implementations must be safe for concurrent use.
type Client interface {
	// Model returns the backend model identifier.
	Model() string
	// Generate produces a complete reply for the conversation.
	Generate(ctx context.Context, system string, messages []Message) (string, Usage, error)
	// GenerateStreaming produces the reply incrementally, calling onDelta
	// for each text fragment, and returns the full text when done.
	GenerateStreaming(ctx context.Context, system string, messages []Message, onDelta func(string)) (string, Usage, error)
	Close() error
}
