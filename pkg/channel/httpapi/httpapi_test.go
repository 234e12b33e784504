package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/umf"
)

type stubGateway struct{}

func (stubGateway) Handle(_ context.Context, msg *umf.Message) *umf.Message {
	text := msg.FirstText()
	if strings.HasPrefix(text, "/help") {
		reply := umf.NewResponse(msg, umf.MarkdownBlock("| Command | Description |\n|---|---|\n| /help | this table |"))
		reply.SessionID = "sess-http"
		return reply
	}
	reply := umf.NewResponse(msg, umf.TextBlock("handled: "+text))
	reply.SessionID = "sess-http"
	return reply
}

func commandDescriptor(id, alias string) *capability.Descriptor {
	return &capability.Descriptor{
		ID:   id,
		Name: alias,
		Kind: capability.KindAtomic,
		Execution: capability.Execution{
			Substrate: capability.SubstrateSymbolic,
		},
		Invocation: capability.Invocation{
			Modes:          []capability.InvocationMode{capability.ModeCommand},
			CommandAliases: []string{alias},
		},
		Access: capability.Access{Exposure: capability.ExposureHuman, DefaultGrant: true},
		Status: capability.Status{Enabled: true},
	}
}

func testAdapter(t *testing.T, agentAPI bool) (*Adapter, *capability.Registry) {
	t.Helper()
	reg := capability.NewRegistry()
	for _, alias := range []string{"/help", "/about", "/status", "/version", "/listCommands"} {
		id := "cmd." + strings.ToLower(strings.TrimPrefix(alias, "/"))
		if err := reg.Register(commandDescriptor(id, alias)); err != nil {
			t.Fatal(err)
		}
	}
	a := New(Config{
		Info: AgentInfo{
			AgentID: "exemplar",
			Name:    "P3394 Exemplar Agent",
			Version: "0.1.0",
			Address: "p3394://exemplar",
		},
		Registry: reg,
		Gateway:  stubGateway{},
		AgentAPI: agentAPI,
	})
	return a, reg
}

func TestPostMessages(t *testing.T) {
	a, _ := testAdapter(t, false)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"type":"request","content":[{"type":"text","data":"/help"}]}`
	resp, err := http.Post(srv.URL+"/messages", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	reply, err := umf.DecodeReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != umf.MessageTypeResponse {
		t.Errorf("type = %q", reply.Type)
	}
	if len(reply.Content) == 0 || reply.Content[0].Type != umf.ContentTypeMarkdown {
		t.Fatalf("content = %+v", reply.Content)
	}
	if !strings.Contains(reply.Content[0].Data, "/help") {
		t.Errorf("help table missing command entry: %q", reply.Content[0].Data)
	}
}

func TestPostMessagesRejectsGarbage(t *testing.T) {
	a, _ := testAdapter(t, false)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/messages", "application/json", bytes.NewBufferString("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	reply, err := umf.DecodeReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ErrorCode() != umf.CodeDecodeInvalid {
		t.Errorf("code = %q", reply.ErrorCode())
	}
}

func TestManifest(t *testing.T) {
	a, _ := testAdapter(t, false)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/manifest")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Protocol != "P3394" || m.AgentID != "exemplar" {
		t.Errorf("identity block = %+v", m)
	}

	names := map[string]bool{}
	for _, c := range m.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"/help", "/about", "/status", "/version", "/listCommands"} {
		if !names[want] {
			t.Errorf("manifest missing command %s", want)
		}
	}
	if len(m.Channels) == 0 || m.Channels[0].ID != ChannelID {
		t.Errorf("channels = %+v", m.Channels)
	}
	if m.ChannelEndpoints != nil {
		t.Error("plain manifest must not embed agent-api maps")
	}
}

func TestAgentAPIManifestEmbedsMaps(t *testing.T) {
	a, _ := testAdapter(t, true)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/manifest")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if len(m.ChannelEndpoints) == 0 {
		t.Fatal("channel_endpoints missing")
	}
	endpoints, ok := m.ChannelEndpoints["p3394"]
	if !ok || endpoints["help"] != "GET /help" {
		t.Errorf("p3394 endpoints = %+v", endpoints)
	}
	syntax, ok := m.CommandSyntax["/help"]
	if !ok || syntax["p3394"] != "GET /help" {
		t.Errorf("command syntax = %+v", syntax)
	}
}

func TestGetCommandRoute(t *testing.T) {
	a, reg := testAdapter(t, false)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	reply, err := umf.DecodeReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.FirstText() != "handled: /version" {
		t.Errorf("reply = %q", reply.FirstText())
	}

	// Internal-only capabilities must not get a GET route.
	internal := commandDescriptor("cmd.secret", "/secret")
	internal.Access.Exposure = capability.ExposureInternal
	if err := reg.Register(internal); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(srv.URL + "/secret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("internal command served over GET: %d", resp.StatusCode)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	a, _ := testAdapter(t, false)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := umf.NewRequest(umf.TextBlock("ping over ws"))
	frame, _ := umf.Encode(req)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	reply, err := umf.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if reply.FirstText() != "handled: ping over ws" || reply.ReplyTo != req.ID {
		t.Errorf("reply = %+v", reply)
	}
}
