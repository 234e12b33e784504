package llm

import (
	"context"
	"strings"
)

// EchoClient is an offline backend that replies with a canned or reflected
// answer. It backs tests and the --debug serve mode when no API key is set.
type EchoClient struct {
	ModelName string
	// Reply overrides the echoed text when non-empty.
	Reply string
}

func (e *EchoClient) Model() string {
	if e.ModelName == "" {
		return "echo"
	}
	return e.ModelName
}

func (e *EchoClient) Close() error { return nil }

func (e *EchoClient) respond(messages []Message) string {
	if e.Reply != "" {
		return e.Reply
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Text
		}
	}
	return ""
}

func (e *EchoClient) Generate(_ context.Context, _ string, messages []Message) (string, Usage, error) {
	text := e.respond(messages)
	return text, usageFor(messages, text), nil
}

func (e *EchoClient) GenerateStreaming(_ context.Context, _ string, messages []Message, onDelta func(string)) (string, Usage, error) {
	text := e.respond(messages)
	if onDelta != nil {
		// Stream word by word so SSE framing gets exercised.
		for i, word := range strings.Fields(text) {
			if i > 0 {
				onDelta(" ")
			}
			onDelta(word)
		}
	}
	return text, usageFor(messages, text), nil
}

func usageFor(messages []Message, reply string) Usage {
	in := 0
	for _, m := range messages {
		in += len(m.Text)
	}
	return Usage{InputTokens: in / 4, OutputTokens: len(reply) / 4}
}
