package anthropicapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

type stubGateway struct {
	lastRequest *umf.Message
	reply       string
}

func (g *stubGateway) Handle(_ context.Context, msg *umf.Message) *umf.Message {
	g.lastRequest = msg
	out := umf.NewResponse(msg, umf.TextBlock(g.reply))
	out.SessionID = "sess-llm"
	return out
}

func postMessages(t *testing.T, srv *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestNonStreamingEnvelope(t *testing.T) {
	gw := &stubGateway{reply: "Available commands: /help /about /status /version"}
	srv := httptest.NewServer(New(Config{Gateway: gw}).Handler())
	defer srv.Close()

	body := `{"model":"local-exemplar","max_tokens":1024,"messages":[{"role":"user","content":"/help"}]}`
	resp := postMessages(t, srv, body, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "message" || out.Role != "assistant" || out.StopReason != "end_turn" {
		t.Errorf("envelope = %+v", out)
	}
	if out.Model != "local-exemplar" {
		t.Errorf("model echo = %q", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != gw.reply {
		t.Errorf("content = %+v", out.Content)
	}
	if out.Usage.InputTokens < 1 || out.Usage.OutputTokens < 1 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if !strings.HasPrefix(out.ID, "msg_") {
		t.Errorf("id = %q", out.ID)
	}
}

func TestConversationFlattening(t *testing.T) {
	gw := &stubGateway{reply: "noted"}
	srv := httptest.NewServer(New(Config{Gateway: gw}).Handler())
	defer srv.Close()

	body := `{
		"model": "local-exemplar",
		"max_tokens": 256,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": [{"type":"text","text":"first answer"}]},
			{"role": "user", "content": "second question"}
		]
	}`
	resp := postMessages(t, srv, body, nil)
	resp.Body.Close()

	got := gw.lastRequest
	if got == nil {
		t.Fatal("gateway saw no request")
	}
	if got.FirstText() != "second question" {
		t.Errorf("flattened text = %q, want the last user message", got.FirstText())
	}
	history, _ := got.Metadata["history"].(string)
	for _, want := range []string{"user: first question", "assistant: first answer", "user: second question"} {
		if !strings.Contains(history, want) {
			t.Errorf("history missing %q:\n%s", want, history)
		}
	}
	if got.Metadata["model"] != "local-exemplar" || got.Metadata["source_api"] != "anthropic" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.Metadata["max_tokens"] != 256 {
		t.Errorf("max_tokens = %v", got.Metadata["max_tokens"])
	}
	if got.Metadata["system"] != "be terse" {
		t.Errorf("system = %v", got.Metadata["system"])
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	gw := &stubGateway{reply: "ok"}
	srv := httptest.NewServer(New(Config{Gateway: gw, APIKeys: []string{"sk-agent-key1"}}).Handler())
	defer srv.Close()

	body := `{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`

	resp := postMessages(t, srv, body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key accepted: %d", resp.StatusCode)
	}

	resp = postMessages(t, srv, body, map[string]string{"x-api-key": "sk-wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key accepted: %d", resp.StatusCode)
	}

	resp = postMessages(t, srv, body, map[string]string{"x-api-key": "sk-agent-key1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key rejected: %d", resp.StatusCode)
	}
	a, ok := channel.ExtractAssertion(gw.lastRequest)
	if !ok {
		t.Fatal("no assertion attached")
	}
	if a.ChannelIdentity != "api_key:sk-agent-key1" || a.Assurance != principal.AssuranceMedium {
		t.Errorf("assertion = %+v", a)
	}
}

func TestOpenAccessIsLowAssurance(t *testing.T) {
	gw := &stubGateway{reply: "ok"}
	srv := httptest.NewServer(New(Config{Gateway: gw}).Handler())
	defer srv.Close()

	body := `{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	resp := postMessages(t, srv, body, nil)
	resp.Body.Close()

	a, ok := channel.ExtractAssertion(gw.lastRequest)
	if !ok {
		t.Fatal("no assertion attached")
	}
	if a.Assurance != principal.AssuranceLow {
		t.Errorf("assurance = %v, want LOW", a.Assurance)
	}
}

func TestStreamingFrames(t *testing.T) {
	gw := &stubGateway{reply: "three word reply"}
	srv := httptest.NewServer(New(Config{Gateway: gw}).Handler())
	defer srv.Close()

	body := `{"model":"m","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := postMessages(t, srv, body, nil)
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, after)
		}
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			var frame struct {
				Type  string `json:"type"`
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(after), &frame); err != nil {
				t.Fatalf("bad frame %q: %v", after, err)
			}
			if frame.Type == "content_block_delta" {
				text.WriteString(frame.Delta.Text)
			}
		}
	}

	want := []string{"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v", events)
	}
	if text.String() != "three word reply" {
		t.Errorf("assembled text = %q", text.String())
	}
}

func TestRejectsEmptyConversation(t *testing.T) {
	srv := httptest.NewServer(New(Config{Gateway: &stubGateway{}}).Handler())
	defer srv.Close()

	resp := postMessages(t, srv, `{"model":"m","max_tokens":10,"messages":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var e wireError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Type != "invalid_request_error" {
		t.Errorf("error = %+v", e)
	}
}
