package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/invoke"
	"github.com/p3394/exemplar/pkg/kstar"
	"github.com/p3394/exemplar/pkg/kstar/xapi"
	"github.com/p3394/exemplar/pkg/llm"
	"github.com/p3394/exemplar/pkg/policy"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/skills"
	"github.com/p3394/exemplar/pkg/umf"
)

type testStack struct {
	gateway    *Gateway
	registry   *capability.Registry
	policy     *policy.Engine
	store      *kstar.Store
	sessions   *session.Manager
	principals *principal.Registry
	storage    string
}

const reportSkill = `---
name: report
description: Weekly report generator
triggers:
  - weekly report
---
Summarize the week in three bullets.
`

func newStack(t *testing.T) *testStack {
	t.Helper()
	storage := t.TempDir()

	registry := capability.NewRegistry()
	pol := policy.NewEngine(policy.DefaultRules())

	principals, err := principal.NewRegistry(filepath.Join(storage, "ltm", "principals"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := kstar.Open(storage, kstar.Options{SigningKey: []byte("gateway-test-key")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := session.NewManager(storage, principal.SystemURN)

	skillsDir := filepath.Join(storage, "skills")
	if err := os.MkdirAll(skillsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillsDir, "report.md"), []byte(reportSkill), 0o644); err != nil {
		t.Fatal(err)
	}
	skillMgr := skills.NewManager(skillsDir, registry)
	if err := skillMgr.Load(); err != nil {
		t.Fatal(err)
	}

	engine, err := invoke.New(invoke.Config{
		Registry:   registry,
		Policy:     pol,
		Principals: principals,
		Audit:      store,
		LLM:        &llm.EchoClient{},
		Skills:     skillMgr,
		Persona:    "You are the exemplar agent.",
	})
	if err != nil {
		t.Fatal(err)
	}

	gw, err := New(Config{
		AgentName:  "P3394 Exemplar Agent",
		Version:    "0.1.0",
		Registry:   registry,
		Principals: principals,
		Sessions:   sessions,
		Engine:     engine,
		Store:      store,
		XAPI:       xapi.NewEmitter(storage),
		Skills:     skillMgr,
		Delegation: map[string]string{"remember this": "kstar:store_trace"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testStack{
		gateway:    gw,
		registry:   registry,
		policy:     pol,
		store:      store,
		sessions:   sessions,
		principals: principals,
		storage:    storage,
	}
}

func terminalRequest(text string) *umf.Message {
	msg := umf.NewRequest(umf.TextBlock(text))
	msg.Source = &umf.Address{ChannelID: "cli"}
	channel.AttachAssertion(msg, principal.Assertion{
		ChannelID:       "cli",
		ChannelIdentity: "local:alice",
		Assurance:       principal.AssuranceHigh,
		Method:          "unix_socket",
	})
	return msg
}

func TestVersionCommand(t *testing.T) {
	s := newStack(t)

	req := terminalRequest("/version")
	reply := s.gateway.Handle(context.Background(), req)

	if reply.Type != umf.MessageTypeResponse {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.FirstText() != "P3394 Exemplar Agent v0.1.0" {
		t.Errorf("text = %q", reply.FirstText())
	}
	if reply.ReplyTo != req.ID {
		t.Errorf("reply_to = %q, want %q", reply.ReplyTo, req.ID)
	}
	if reply.SessionID == "" {
		t.Error("session_id empty")
	}
	if _, ok := s.sessions.Get(reply.SessionID); !ok {
		t.Error("session does not resolve to a live session")
	}

	// The engine must have recorded the execution trace.
	traces := s.store.QueryTraces(kstar.TraceFilter{CapabilityID: "cmd.version", Verb: "executed"}, 10, 0)
	if len(traces) != 1 {
		t.Fatalf("executed traces = %d", len(traces))
	}
	if traces[0].SessionID != reply.SessionID {
		t.Errorf("trace session = %q", traces[0].SessionID)
	}

	// And the xAPI log must exist for the session.
	xapiPath := filepath.Join(s.storage, "stm", reply.SessionID, "xapi.jsonl")
	data, err := os.ReadFile(xapiPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "p3394://message/"+req.ID) {
		t.Error("xapi statement for the request activity missing")
	}
}

func TestHelpListsBuiltins(t *testing.T) {
	s := newStack(t)

	reply := s.gateway.Handle(context.Background(), terminalRequest("/help"))
	if reply.Content[0].Type != umf.ContentTypeMarkdown {
		t.Fatalf("content = %+v", reply.Content)
	}
	table := reply.Content[0].Data
	for _, cmd := range []string{"/help", "/about", "/status", "/version", "/listCommands"} {
		if !strings.Contains(table, cmd) {
			t.Errorf("help table missing %s", cmd)
		}
	}
}

func TestRoutingPrecedence(t *testing.T) {
	s := newStack(t)

	cases := []struct {
		text  string
		capID string
		route Route
	}{
		{"/version", "cmd.version", RouteSymbolic},
		{"--help", "cmd.help", RouteSymbolic},
		{"please draft the weekly report", "skill.report", RouteSkill},
		{"remember this for later", "kstar:store_trace", RouteSubagent},
		{"how are you today", LLMCapabilityID, RouteLLM},
	}
	for _, c := range cases {
		capID, route := s.gateway.route(umf.NewRequest(umf.TextBlock(c.text)))
		if capID != c.capID || route != c.route {
			t.Errorf("route(%q) = (%s, %s), want (%s, %s)", c.text, capID, route, c.capID, c.route)
		}
	}
}

func TestFreeTextFallsBackToLLM(t *testing.T) {
	s := newStack(t)

	reply := s.gateway.Handle(context.Background(), terminalRequest("tell me a story"))
	if reply.Type != umf.MessageTypeResponse {
		t.Fatalf("reply = %+v", reply)
	}
	// The echo client reflects the user text.
	if reply.FirstText() != "tell me a story" {
		t.Errorf("text = %q", reply.FirstText())
	}
}

func TestUnknownCommandSigilFallsThrough(t *testing.T) {
	s := newStack(t)

	capID, route := s.gateway.route(umf.NewRequest(umf.TextBlock("/nosuchcommand")))
	if route != RouteLLM || capID != LLMCapabilityID {
		t.Errorf("route = (%s, %s)", capID, route)
	}
}

func TestExpiredSessionReplaced(t *testing.T) {
	s := newStack(t)

	req := terminalRequest("/version")
	req.SessionID = "sess-long-gone"
	reply := s.gateway.Handle(context.Background(), req)

	if reply.SessionID == "" || reply.SessionID == "sess-long-gone" {
		t.Fatalf("session = %q", reply.SessionID)
	}
	if replaced, _ := reply.Metadata["session_replaced"].(bool); !replaced {
		t.Error("session_replaced warning missing")
	}
}

func TestKnownSessionIsReused(t *testing.T) {
	s := newStack(t)

	first := s.gateway.Handle(context.Background(), terminalRequest("/version"))
	req := terminalRequest("/status")
	req.SessionID = first.SessionID
	second := s.gateway.Handle(context.Background(), req)

	if second.SessionID != first.SessionID {
		t.Errorf("session changed: %q then %q", first.SessionID, second.SessionID)
	}
	if _, replaced := second.Metadata["session_replaced"]; replaced {
		t.Error("live session flagged as replaced")
	}
}

func TestPolicyDenyMapsToAuthDenied(t *testing.T) {
	s := newStack(t)
	s.policy.SetEnforce(true)

	entered := false
	d := commandDescriptor("cap.configure", "/configure", "Admin-only configuration")
	d.Access.RequiredPermissions = []string{"admin:config"}
	d.Access.DefaultGrant = false
	if err := s.registry.Register(d); err != nil {
		t.Fatal(err)
	}
	s.gateway.cfg.Engine.RegisterHandler("cap.configure", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		entered = true
		return umf.NewResponse(req, umf.TextBlock("configured")), nil
	})

	msg := umf.NewRequest(umf.TextBlock("/configure"))
	msg.Source = &umf.Address{ChannelID: "anthropic"}
	channel.AttachAssertion(msg, principal.Assertion{
		ChannelID:       "anthropic",
		ChannelIdentity: "api_key:sk-agent-key1",
		Assurance:       principal.AssuranceMedium,
		Method:          "api_key",
	})

	reply := s.gateway.Handle(context.Background(), msg)
	if reply.Type != umf.MessageTypeError || reply.ErrorCode() != umf.CodeAuthDenied {
		t.Fatalf("reply = %+v", reply)
	}
	if entered {
		t.Error("substrate handler ran despite policy DENY")
	}
}

func TestSameSessionProcessedSerially(t *testing.T) {
	s := newStack(t)

	var mu sync.Mutex
	active, maxActive := 0, 0
	s.registry.Register(commandDescriptor("cmd.slowwork", "/slowwork", "Slow test command"))
	s.gateway.cfg.Engine.RegisterHandler("cmd.slowwork", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return umf.NewResponse(req, umf.TextBlock("done")), nil
	})

	seed := s.gateway.Handle(context.Background(), terminalRequest("/slowwork"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := terminalRequest("/slowwork")
			req.SessionID = seed.SessionID
			s.gateway.Handle(context.Background(), req)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent handlers in one session = %d, want 1", maxActive)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	s := newStack(t)
	reply := s.gateway.Handle(context.Background(), umf.NewRequest())
	if reply.ErrorCode() != umf.CodeDecodeInvalid {
		t.Errorf("code = %q", reply.ErrorCode())
	}
}
