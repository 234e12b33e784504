package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/kstar"
	"github.com/p3394/exemplar/pkg/llm"
	"github.com/p3394/exemplar/pkg/policy"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/router"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/umf"
)

type memAudit struct {
	mu     sync.Mutex
	traces []*kstar.Trace
}

func (a *memAudit) StoreTrace(t *kstar.Trace) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.traces = append(a.traces, t)
	return fmt.Sprintf("trace-%d", len(a.traces)), nil
}

func (a *memAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.traces)
}

type fixedSkills map[string]string

func (f fixedSkills) Instructions(id string) (string, bool) {
	s, ok := f[id]
	return s, ok
}

func symbolicDescriptor(id string, opts ...func(*capability.Descriptor)) *capability.Descriptor {
	d := &capability.Descriptor{
		ID:   id,
		Name: id,
		Kind: capability.KindAtomic,
		Execution: capability.Execution{
			Substrate: capability.SubstrateSymbolic,
		},
		Access: capability.Access{Exposure: capability.ExposureHuman},
		Audit:  capability.Audit{LogInvocation: true},
		Status: capability.Status{Enabled: true, Mutable: true},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type testEnv struct {
	engine   *Engine
	registry *capability.Registry
	policy   *policy.Engine
	audit    *memAudit
	sess     *session.Session
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	reg := capability.NewRegistry()
	pol := policy.NewEngine(policy.DefaultRules())
	audit := &memAudit{}

	cfg.Registry = reg
	cfg.Policy = pol
	cfg.Audit = audit
	eng, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	mgr := session.NewManager(t.TempDir(), principal.SystemURN)
	sess, err := mgr.Create(session.Options{ChannelID: "terminal"})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{engine: eng, registry: reg, policy: pol, audit: audit, sess: sess}
}

func TestInvokeSymbolic(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.registry.Register(symbolicDescriptor("cmd.echo")); err != nil {
		t.Fatal(err)
	}
	env.engine.RegisterHandler("cmd.echo", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		return umf.NewResponse(req, umf.TextBlock("echo: "+req.FirstText())), nil
	})

	req := umf.NewRequest(umf.TextBlock("hello"))
	req.SessionID = env.sess.ID

	reply, err := env.engine.Invoke(context.Background(), "cmd.echo", req, env.sess)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if reply.FirstText() != "echo: hello" {
		t.Errorf("reply = %q", reply.FirstText())
	}
	if reply.ReplyTo != req.ID || reply.SessionID != req.SessionID {
		t.Errorf("reply linking: reply_to=%q session=%q", reply.ReplyTo, reply.SessionID)
	}
	if env.audit.count() != 1 {
		t.Errorf("audit traces = %d, want 1", env.audit.count())
	}
}

func TestInvokeUnknownAndDisabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := umf.NewRequest(umf.TextBlock("x"))

	if _, err := env.engine.Invoke(context.Background(), "cmd.ghost", req, env.sess); !errors.Is(err, ErrCapNotFound) {
		t.Errorf("unknown capability: %v", err)
	}

	if err := env.registry.Register(symbolicDescriptor("cmd.off")); err != nil {
		t.Fatal(err)
	}
	if err := env.registry.SetEnabled("cmd.off", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Invoke(context.Background(), "cmd.off", req, env.sess); !errors.Is(err, ErrCapDisabled) {
		t.Errorf("disabled capability: %v", err)
	}
}

func TestPolicyDenyBlocksSubstrate(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.policy.SetEnforce(true)

	entered := false
	d := symbolicDescriptor("cap.configure", func(d *capability.Descriptor) {
		d.Access.RequiredPermissions = []string{"admin:config"}
	})
	if err := env.registry.Register(d); err != nil {
		t.Fatal(err)
	}
	env.engine.RegisterHandler("cap.configure", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		entered = true
		return umf.NewResponse(req, umf.TextBlock("configured")), nil
	})

	// The session is anonymous: default rules deny admin permissions.
	req := umf.NewRequest(umf.TextBlock("x"))
	_, err := env.engine.Invoke(context.Background(), "cap.configure", req, env.sess)
	if !errors.Is(err, ErrCapDenied) {
		t.Fatalf("err = %v, want ErrCapDenied", err)
	}
	if entered {
		t.Error("substrate handler ran despite policy DENY")
	}
	if env.audit.count() != 1 {
		t.Error("denied invocation must still leave a trace")
	}
}

func TestPreHookShortCircuits(t *testing.T) {
	env := newTestEnv(t, Config{})

	if err := env.registry.Register(symbolicDescriptor("hook.guard")); err != nil {
		t.Fatal(err)
	}
	if err := env.registry.Register(symbolicDescriptor("cmd.guarded", func(d *capability.Descriptor) {
		d.Hooks.PreInvoke = []string{"hook.guard"}
	})); err != nil {
		t.Fatal(err)
	}

	env.engine.RegisterHandler("hook.guard", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		return umf.NewErrorMessage(req, umf.CodeCapDenied, "guard rejected the request"), nil
	})
	entered := false
	env.engine.RegisterHandler("cmd.guarded", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		entered = true
		return umf.NewResponse(req, umf.TextBlock("ok")), nil
	})

	req := umf.NewRequest(umf.TextBlock("x"))
	reply, err := env.engine.Invoke(context.Background(), "cmd.guarded", req, env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != umf.MessageTypeError || reply.ErrorCode() != umf.CodeCapDenied {
		t.Errorf("reply = %+v", reply)
	}
	if entered {
		t.Error("substrate ran despite pre-hook denial")
	}
}

func TestPostHookErrorDoesNotOverrideSuccess(t *testing.T) {
	env := newTestEnv(t, Config{})

	if err := env.registry.Register(symbolicDescriptor("hook.notify")); err != nil {
		t.Fatal(err)
	}
	if err := env.registry.Register(symbolicDescriptor("cmd.work", func(d *capability.Descriptor) {
		d.Hooks.PostInvoke = []string{"hook.notify"}
	})); err != nil {
		t.Fatal(err)
	}

	env.engine.RegisterHandler("hook.notify", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		return nil, errors.New("notification endpoint down")
	})
	env.engine.RegisterHandler("cmd.work", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		return umf.NewResponse(req, umf.TextBlock("done")), nil
	})

	reply, err := env.engine.Invoke(context.Background(), "cmd.work", umf.NewRequest(umf.TextBlock("x")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != umf.MessageTypeResponse || reply.FirstText() != "done" {
		t.Errorf("post-hook failure overrode success: %+v", reply)
	}
}

func TestSubstrateFailureBecomesExecutionError(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.registry.Register(symbolicDescriptor("cmd.flaky")); err != nil {
		t.Fatal(err)
	}
	env.engine.RegisterHandler("cmd.flaky", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		return nil, errors.New("backend exploded")
	})

	reply, err := env.engine.Invoke(context.Background(), "cmd.flaky", umf.NewRequest(umf.TextBlock("x")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ErrorCode() != umf.CodeCapExecutionError {
		t.Errorf("code = %q", reply.ErrorCode())
	}
}

func TestTimeoutBecomesTimeoutError(t *testing.T) {
	env := newTestEnv(t, Config{Deadline: 50 * time.Millisecond})
	if err := env.registry.Register(symbolicDescriptor("cmd.slow")); err != nil {
		t.Fatal(err)
	}
	env.engine.RegisterHandler("cmd.slow", func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	reply, err := env.engine.Invoke(context.Background(), "cmd.slow", umf.NewRequest(umf.TextBlock("x")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ErrorCode() != umf.CodeTimeout {
		t.Errorf("code = %q, want TIMEOUT", reply.ErrorCode())
	}
}

func TestLLMSubstrateIncludesSkillInstructions(t *testing.T) {
	echo := &llm.EchoClient{Reply: "summary ready"}
	env := newTestEnv(t, Config{
		LLM:     echo,
		Skills:  fixedSkills{"skill.report": "Summarize in three bullets."},
		Persona: "You are the exemplar agent.",
	})

	d := symbolicDescriptor("skill.report", func(d *capability.Descriptor) {
		d.Kind = capability.KindComposite
		d.Execution.Substrate = capability.SubstrateLLM
	})
	if err := env.registry.Register(d); err != nil {
		t.Fatal(err)
	}

	reply, err := env.engine.Invoke(context.Background(), "skill.report", umf.NewRequest(umf.TextBlock("weekly report please")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.FirstText() != "summary ready" {
		t.Errorf("reply = %q", reply.FirstText())
	}
}

func TestShellSubstrate(t *testing.T) {
	env := newTestEnv(t, Config{})

	if err := env.registry.Register(symbolicDescriptor("cmd.greet", func(d *capability.Descriptor) {
		d.Execution.Substrate = capability.SubstrateShell
		d.Execution.Entrypoint = "echo hello from shell"
	})); err != nil {
		t.Fatal(err)
	}

	reply, err := env.engine.Invoke(context.Background(), "cmd.greet", umf.NewRequest(umf.TextBlock("")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(reply.FirstText()); got != "hello from shell" {
		t.Errorf("stdout = %q", got)
	}
}

func TestShellSubstrateNonZeroExit(t *testing.T) {
	env := newTestEnv(t, Config{})

	if err := env.registry.Register(symbolicDescriptor("cmd.fail", func(d *capability.Descriptor) {
		d.Execution.Substrate = capability.SubstrateShell
		d.Execution.Entrypoint = "echo boom >&2; exit 3"
	})); err != nil {
		t.Fatal(err)
	}

	reply, err := env.engine.Invoke(context.Background(), "cmd.fail", umf.NewRequest(umf.TextBlock("")), env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ErrorCode() != umf.CodeCapExecutionError {
		t.Fatalf("code = %q", reply.ErrorCode())
	}
	text := reply.FirstText()
	if !strings.Contains(text, "code 3") || !strings.Contains(text, "boom") {
		t.Errorf("error text = %q", text)
	}
}

func TestAgentSubstrateNoTransport(t *testing.T) {
	r := router.New(router.Options{ProbeTimeout: 100 * time.Millisecond})
	defer r.CloseAll()

	env := newTestEnv(t, Config{Router: r})

	store, err := kstar.Open(t.TempDir(), kstar.Options{SigningKey: []byte("k")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	direct, err := r.ConnectDirect(kstar.NewSubagent(store))
	if err != nil {
		t.Fatal(err)
	}

	if err := env.registry.Register(symbolicDescriptor("kstar:store_trace", func(d *capability.Descriptor) {
		d.Execution.Substrate = capability.SubstrateAgent
		d.Execution.Entrypoint = kstar.SubagentID
	})); err != nil {
		t.Fatal(err)
	}

	req := umf.NewRequest(umf.ContentBlock{
		Type: umf.ContentTypeJSON,
		Data: `{"task":{"goal":"remember this"}}`,
	})
	req.Metadata = map[string]any{"capability_id": "kstar:store_trace"}

	reply, err := env.engine.Invoke(context.Background(), "kstar:store_trace", req, env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != umf.MessageTypeResponse {
		t.Fatalf("reply type = %q", reply.Type)
	}
	if len(reply.Content) == 0 || !strings.Contains(reply.Content[0].Data, "trace_id") {
		t.Errorf("reply content = %+v", reply.Content)
	}

	// With the only transport down the reply is a NO_TRANSPORT error.
	direct.Stop()
	reply, err = env.engine.Invoke(context.Background(), "kstar:store_trace", req, env.sess)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ErrorCode() != umf.CodeNoTransport {
		t.Errorf("code = %q, want NO_TRANSPORT", reply.ErrorCode())
	}
}

func TestRedact(t *testing.T) {
	in := "call failed: api_key=sk-verysecretvalue123 rejected"
	out := redact(in)
	if strings.Contains(out, "sk-verysecretvalue123") {
		t.Errorf("secret leaked: %q", out)
	}
}
