// Package anthropicapi is the LLM-compatible channel: it accepts requests
// shaped like the Anthropic messages endpoint and bridges them onto the
// gateway, so any client that can talk to an LLM API can talk to the agent.
package anthropicapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

// ChannelID identifies the LLM-compatible channel.
const ChannelID = "anthropic"

// DefaultCharsPerToken is the usage estimation ratio when none is configured.
const DefaultCharsPerToken = 4

// MaxMessageSize bounds one request body.
const MaxMessageSize = 10 << 20

// Config wires an Adapter.
type Config struct {
	Addr    string
	Gateway channel.Gateway
	// APIKeys is the accepted x-api-key list. Empty means open access at
	// LOW assurance; a matched key asserts MEDIUM.
	APIKeys []string
	// CharsPerToken tunes the usage estimate; 0 means the default.
	CharsPerToken int
}

// Adapter serves the Anthropic-wire endpoint.
type Adapter struct {
	cfg  Config
	keys map[string]bool

	mu     sync.Mutex
	server *http.Server
}

func New(cfg Config) *Adapter {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &Adapter{cfg: cfg, keys: keys}
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		ContentTypes:   []umf.ContentType{umf.ContentTypeText, umf.ContentTypeMarkdown},
		MaxMessageSize: MaxMessageSize,
		Streaming:      true,
		Markdown:       true,
	}
}

// Authenticate without a request context is anonymous; the real assertion is
// derived per request from the x-api-key header.
func (a *Adapter) Authenticate(_ context.Context) principal.Assertion {
	return principal.AnonymousAssertion(ChannelID)
}

// assertFor maps the x-api-key header to an assertion. ok is false when a
// key list is configured and the header does not match.
func (a *Adapter) assertFor(key string) (principal.Assertion, bool) {
	if len(a.keys) == 0 {
		return principal.Assertion{
			ChannelID:       ChannelID,
			ChannelIdentity: "api_key:open",
			Assurance:       principal.AssuranceLow,
			Method:          "open",
		}, true
	}
	if !a.keys[key] {
		return principal.Assertion{}, false
	}
	return principal.Assertion{
		ChannelID:       ChannelID,
		ChannelIdentity: "api_key:" + key,
		Assurance:       principal.AssuranceMedium,
		Method:          "api_key",
	}, true
}

// Handler builds the router; separate from Start for httptest.
func (a *Adapter) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/messages", a.handleMessages)
	return r
}

func (a *Adapter) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("anthropic-compatible channel listening", "addr", a.cfg.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- wire types ---

type wireRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []wireMessage   `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// text extracts the plain text of a message content, which the wire allows
// as either a string or a block array.
func (m wireMessage) text() string {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(m.Content, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

type wireResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Content    []wireContent `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      wireUsage     `json:"usage"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, kind, message string) {
	var e wireError
	e.Type = "error"
	e.Error.Type = kind
	e.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	assertion, ok := a.assertFor(r.Header.Get("x-api-key"))
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid x-api-key")
		return
	}

	var req wireRequest
	body := http.MaxBytesReader(w, r.Body, MaxMessageSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	msg, err := flatten(&req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	channel.AttachAssertion(msg, assertion)

	reply := a.cfg.Gateway.Handle(r.Context(), msg)
	reply = channel.AdaptContent(reply, a.Capabilities())
	text := reply.FirstText()

	usage := wireUsage{
		InputTokens:  max(1, len(msg.FirstText())/a.cfg.CharsPerToken),
		OutputTokens: max(1, len(text)/a.cfg.CharsPerToken),
	}

	if req.Stream {
		a.streamResponse(w, req.Model, text, usage)
		return
	}
	resp := wireResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:       "message",
		Role:       "assistant",
		Content:    []wireContent{{Type: "text", Text: text}},
		Model:      req.Model,
		StopReason: "end_turn",
		Usage:      usage,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// flatten turns the provider-style conversation into one TEXT UMF. The data
// is the last user message; everything else rides in metadata.
func flatten(req *wireRequest) (*umf.Message, error) {
	lastUser := ""
	var history strings.Builder
	for _, m := range req.Messages {
		text := m.text()
		fmt.Fprintf(&history, "%s: %s\n", m.Role, text)
		if m.Role == "user" {
			lastUser = text
		}
	}
	if lastUser == "" {
		return nil, errors.New("no user message in conversation")
	}

	msg := umf.NewRequest(umf.TextBlock(lastUser))
	msg.Source = &umf.Address{ChannelID: ChannelID}
	msg.SetMeta("history", history.String())
	msg.SetMeta("model", req.Model)
	msg.SetMeta("max_tokens", req.MaxTokens)
	msg.SetMeta("source_api", "anthropic")
	if len(req.System) > 0 {
		var sys string
		if json.Unmarshal(req.System, &sys) == nil && sys != "" {
			msg.SetMeta("system", sys)
		}
	}
	return msg, nil
}

// streamResponse replays the already-complete reply in Anthropic SSE frames.
// The gateway is request-reply, so deltas are synthesized by word.
func (a *Adapter) streamResponse(w http.ResponseWriter, model, text string, usage wireUsage) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	emit := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    id,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"usage": map[string]int{"input_tokens": usage.InputTokens},
		},
	})
	emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	for _, delta := range splitDeltas(text) {
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": delta},
		})
	}
	emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": usage.OutputTokens},
	})
	emit("message_stop", map[string]any{"type": "message_stop"})
}

// splitDeltas chunks text so streamed output looks incremental.
func splitDeltas(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func (a *Adapter) Endpoints() map[string]string {
	return map[string]string{"messages": "POST /v1/messages"}
}

func (a *Adapter) NormalizeCommand(raw string) string {
	return channel.NormalizeCommand(raw)
}

func (a *Adapter) MapCommandSyntax(canonical string) string {
	return channel.MapCommandSyntax(canonical, channel.SyntaxText)
}

// SendToClient has no push path; streamed replies go inline.
func (a *Adapter) SendToClient(string, *umf.Message) error {
	return errors.New("anthropic-compatible channel has no out-of-band delivery")
}
