package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/llm"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/umf"
)

// shellGrace is how long a shell subprocess gets between SIGTERM and
// SIGKILL on cancellation.
const shellGrace = 5 * time.Second

// stderrTailLimit bounds the stderr excerpt in shell error replies.
const stderrTailLimit = 512

func (e *Engine) dispatch(ctx context.Context, d *capability.Descriptor, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	switch d.Execution.Substrate {
	case capability.SubstrateSymbolic:
		return e.dispatchSymbolic(ctx, d, req, sess)
	case capability.SubstrateLLM:
		return e.dispatchLLM(ctx, d, req, sess)
	case capability.SubstrateShell:
		return e.dispatchShell(ctx, d, req, sess)
	case capability.SubstrateAgent:
		return e.dispatchAgent(ctx, d, req, sess)
	case capability.SubstrateExternalService:
		return e.dispatchExternalService(ctx, d, req)
	case capability.SubstrateTransport:
		return nil, fmt.Errorf("%w: %s is a transport advertisement", ErrNotInvocable, d.ID)
	default:
		return nil, fmt.Errorf("unknown substrate %q", d.Execution.Substrate)
	}
}

func (e *Engine) dispatchSymbolic(ctx context.Context, d *capability.Descriptor, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	h, ok := e.handlers[d.ID]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", d.ID)
	}
	return h(ctx, req, sess)
}

// dispatchLLM composes persona, session context, optional skill
// instructions, and the user text into one generation call.
func (e *Engine) dispatchLLM(ctx context.Context, d *capability.Descriptor, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	if e.llm == nil {
		return nil, errors.New("no LLM client configured")
	}

	urn, _, _ := sess.Snapshot()
	var system strings.Builder
	if e.persona != "" {
		system.WriteString(e.persona)
		system.WriteString("\n\n")
	}
	fmt.Fprintf(&system, "Session: %s\nChannel: %s\nUser: %s\n", sess.ID, sess.ChannelID, urn)
	if e.skills != nil {
		if instructions, ok := e.skills.Instructions(d.ID); ok && instructions != "" {
			system.WriteString("\n")
			system.WriteString(instructions)
		}
	}

	text, _, err := e.llm.Generate(ctx, system.String(), []llm.Message{
		{Role: llm.RoleUser, Text: req.FirstText()},
	})
	if err != nil {
		return nil, fmt.Errorf("llm generation failed: %w", err)
	}
	return umf.NewResponse(req, umf.TextBlock(text)), nil
}

// dispatchShell runs the descriptor's entrypoint in the session workspace.
func (e *Engine) dispatchShell(ctx context.Context, d *capability.Descriptor, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	if d.Execution.Entrypoint == "" {
		return nil, fmt.Errorf("shell capability %s has no entrypoint", d.ID)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", d.Execution.Entrypoint)
	cmd.Dir = sess.WorkspaceDir()
	cmd.Stdin = strings.NewReader(req.FirstText())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = shellGrace

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return errorMessage(req, umf.CodeCapExecutionError, d.ID,
			fmt.Sprintf("command exited with code %d: %s", exitCode, tail(stderr.String(), stderrTailLimit))), nil
	}
	return umf.NewResponse(req, umf.TextBlock(stdout.String())), nil
}

// dispatchAgent forwards to a subagent, projecting the session's principal
// into the outgoing source address.
func (e *Engine) dispatchAgent(ctx context.Context, d *capability.Descriptor, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	if e.router == nil {
		return nil, errors.New("no outbound router configured")
	}
	agentID := d.Execution.Entrypoint
	if agentID == "" {
		return nil, fmt.Errorf("agent capability %s names no subagent", d.ID)
	}

	urn, _, _ := sess.Snapshot()
	out := &umf.Message{
		ID:        req.ID,
		Type:      req.Type,
		Timestamp: req.Timestamp,
		Source:    &umf.Address{AgentID: urn, SessionID: sess.ID},
		SessionID: sess.ID,
		Content:   req.Content,
		Metadata:  map[string]any{},
	}
	for k, v := range req.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["capability_id"] = d.ID

	return e.router.Send(ctx, agentID, out)
}

// dispatchExternalService validates the request arguments against the
// capability's input schema, then POSTs them to the manifest endpoint.
func (e *Engine) dispatchExternalService(ctx context.Context, d *capability.Descriptor, req *umf.Message) (*umf.Message, error) {
	if d.Execution.Entrypoint == "" {
		return nil, fmt.Errorf("external service %s has no endpoint", d.ID)
	}

	args, err := requestArgs(req)
	if err != nil {
		return nil, err
	}
	if d.InputSchema != nil && len(d.InputSchema.Value) > 0 {
		if err := validateArgs(d.ID, d.InputSchema.Value, args); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Execution.Entrypoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("external service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external service returned status %d: %s", resp.StatusCode, tail(string(respBody), stderrTailLimit))
	}
	return umf.NewResponse(req, umf.ContentBlock{Type: umf.ContentTypeJSON, Data: string(respBody)}), nil
}

// requestArgs extracts the arguments object: the first JSON block, or the
// text wrapped as {"text": ...}.
func requestArgs(req *umf.Message) (any, error) {
	for _, block := range req.Content {
		if block.Type == umf.ContentTypeJSON && block.Data != "" {
			var v any
			if err := json.Unmarshal([]byte(block.Data), &v); err != nil {
				return nil, fmt.Errorf("invalid json arguments: %w", err)
			}
			return v, nil
		}
	}
	return map[string]any{"text": req.FirstText()}, nil
}

func validateArgs(capabilityID string, schemaJSON json.RawMessage, args any) error {
	compiler := jsonschema.NewCompiler()
	resource := capabilityID + ".schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", capabilityID, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", capabilityID, err)
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("input validation failed for %s: %w", capabilityID, err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+|sk-[A-Za-z0-9_-]{8,}`)

// redact masks credential-looking substrings in client-visible error text.
func redact(s string) string {
	return secretPattern.ReplaceAllString(s, "[redacted]")
}
