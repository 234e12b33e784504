// Package invoke is the capability invocation engine: policy gate, lifecycle
// hooks, substrate dispatch, and audit logging for every capability call.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/httpclient"
	"github.com/p3394/exemplar/pkg/kstar"
	"github.com/p3394/exemplar/pkg/llm"
	"github.com/p3394/exemplar/pkg/observability"
	"github.com/p3394/exemplar/pkg/policy"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/router"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/umf"
)

// DefaultDeadline bounds a single invocation end to end.
const DefaultDeadline = 120 * time.Second

var (
	ErrCapNotFound  = errors.New("capability not found")
	ErrCapDisabled  = errors.New("capability disabled")
	ErrCapDenied    = errors.New("capability denied by policy")
	ErrNotInvocable = errors.New("capability is not invocable")
)

// Handler is an in-process symbolic capability implementation.
type Handler func(ctx context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error)

// Auditor receives the per-invocation trace records.
type Auditor interface {
	StoreTrace(t *kstar.Trace) (string, error)
}

// Sender delivers messages to subagents.
type Sender interface {
	Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error)
}

// InstructionSource supplies skill instruction blocks by capability id.
type InstructionSource interface {
	Instructions(capabilityID string) (string, bool)
}

// PrincipalSource resolves principals for policy input.
type PrincipalSource interface {
	Get(urn string) (*principal.Principal, bool)
}

// Config wires an Engine.
type Config struct {
	Registry   *capability.Registry
	Policy     *policy.Engine
	Principals PrincipalSource
	Audit      Auditor
	Router     Sender
	LLM        llm.Client
	Skills     InstructionSource
	Persona    string
	Deadline   time.Duration
	HTTP       *httpclient.Client
}

// Engine executes capabilities.
type Engine struct {
	registry   *capability.Registry
	policy     *policy.Engine
	principals PrincipalSource
	audit      Auditor
	router     Sender
	llm        llm.Client
	skills     InstructionSource
	persona    string
	deadline   time.Duration
	http       *httpclient.Client
	handlers   map[string]Handler
	tracer     trace.Tracer
}

// New builds an engine. Registry and Policy are required; the remaining
// collaborators may be nil when the corresponding substrate is unused.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Policy == nil {
		return nil, errors.New("registry and policy are required")
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpclient.New()
	}
	return &Engine{
		registry:   cfg.Registry,
		policy:     cfg.Policy,
		principals: cfg.Principals,
		audit:      cfg.Audit,
		router:     cfg.Router,
		llm:        cfg.LLM,
		skills:     cfg.Skills,
		persona:    cfg.Persona,
		deadline:   cfg.Deadline,
		http:       cfg.HTTP,
		handlers:   make(map[string]Handler),
		tracer:     observability.Tracer("invoke"),
	}, nil
}

// RegisterHandler binds a symbolic capability id to its handler.
func (e *Engine) RegisterHandler(capabilityID string, h Handler) {
	e.handlers[capabilityID] = h
}

// Invoke runs one capability for a session. Failures in the substrate come
// back as ERROR messages, not Go errors; ErrCapNotFound, ErrCapDisabled, and
// ErrCapDenied are returned as errors for the caller to map.
func (e *Engine) Invoke(ctx context.Context, capabilityID string, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	d, ok := e.registry.Get(capabilityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapNotFound, capabilityID)
	}
	if !d.Status.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrCapDisabled, capabilityID)
	}

	urn, assurance, perms := sess.Snapshot()
	var p *principal.Principal
	if e.principals != nil {
		p, _ = e.principals.Get(urn)
	}
	result := e.policy.Authorize(policy.Input{
		Principal:            p,
		Assurance:            assurance,
		CapabilityID:         capabilityID,
		RequestedPermissions: d.Access.RequiredPermissions,
		GrantedPermissions:   perms,
		ChannelID:            sess.ChannelID,
	})
	if !result.Allowed() {
		e.auditTrace(d, sess, req, nil, false, "policy: "+result.Reason)
		return nil, fmt.Errorf("%w: %s", ErrCapDenied, result.Reason)
	}

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "capability.invoke",
		trace.WithAttributes(
			attribute.String("capability.id", capabilityID),
			attribute.String("capability.substrate", string(d.Execution.Substrate)),
			attribute.String("session.id", sess.ID),
		))
	defer span.End()

	// Pre-invoke hooks short-circuit on an ERROR reply.
	for _, hookID := range d.Hooks.PreInvoke {
		reply, err := e.runHook(ctx, hookID, req, sess)
		if err != nil {
			span.SetStatus(codes.Error, "pre-hook failed")
			e.auditTrace(d, sess, req, nil, false, "pre-hook "+hookID+": "+err.Error())
			return e.executionError(req, d.ID, "pre-invoke hook failed: "+err.Error()), nil
		}
		if reply != nil && reply.Type == umf.MessageTypeError {
			span.SetStatus(codes.Error, "pre-hook denied")
			e.auditTrace(d, sess, req, reply, false, "pre-hook denied")
			reply.ReplyTo = req.ID
			reply.SessionID = req.SessionID
			return reply, nil
		}
	}

	reply, err := e.dispatch(ctx, d, req, sess)
	if err != nil {
		for _, hookID := range d.Hooks.OnError {
			if _, hookErr := e.runHook(ctx, hookID, req, sess); hookErr != nil {
				slog.Warn("on_error hook failed", "capability", d.ID, "hook", hookID, "error", hookErr)
			}
		}
		span.SetStatus(codes.Error, err.Error())
		e.auditTrace(d, sess, req, nil, false, err.Error())

		if errors.Is(err, context.DeadlineExceeded) {
			return errorMessage(req, umf.CodeTimeout, d.ID,
				fmt.Sprintf("capability %s timed out after %s", d.ID, e.deadline)), nil
		}
		if isNoTransport(err) {
			return errorMessage(req, umf.CodeNoTransport, d.ID,
				fmt.Sprintf("no transport available for %s", d.Execution.Entrypoint)), nil
		}
		return e.executionError(req, d.ID, err.Error()), nil
	}

	// Post-invoke hook errors are logged, never override success.
	for _, hookID := range d.Hooks.PostInvoke {
		if _, hookErr := e.runHook(ctx, hookID, reply, sess); hookErr != nil {
			slog.Warn("post-invoke hook failed", "capability", d.ID, "hook", hookID, "error", hookErr)
		}
	}

	e.auditTrace(d, sess, req, reply, true, "")
	if reply.ReplyTo == "" {
		reply.ReplyTo = req.ID
	}
	if reply.SessionID == "" {
		reply.SessionID = req.SessionID
	}
	return reply, nil
}

// runHook executes a hook capability directly on its substrate. Hooks do
// not re-enter the policy gate; registration already bounded their depth.
func (e *Engine) runHook(ctx context.Context, hookID string, msg *umf.Message, sess *session.Session) (*umf.Message, error) {
	d, ok := e.registry.Get(hookID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapNotFound, hookID)
	}
	if !d.Status.Enabled {
		return nil, nil
	}
	return e.dispatch(ctx, d, msg, sess)
}

func (e *Engine) executionError(req *umf.Message, capabilityID, detail string) *umf.Message {
	return errorMessage(req, umf.CodeCapExecutionError, capabilityID,
		fmt.Sprintf("capability %s failed: %s", capabilityID, redact(detail)))
}

// errorMessage builds an ERROR reply carrying the machine code and the
// failing capability id.
func errorMessage(req *umf.Message, code, capabilityID, text string) *umf.Message {
	msg := umf.NewErrorMessage(req, code, text)
	if capabilityID != "" {
		msg.SetMeta("capability_id", capabilityID)
	}
	return msg
}

func (e *Engine) auditTrace(d *capability.Descriptor, sess *session.Session, req, reply *umf.Message, success bool, detail string) {
	if e.audit == nil || !d.Audit.LogInvocation {
		return
	}
	urn, _, _ := sess.Snapshot()
	t := &kstar.Trace{
		SessionID:    sess.ID,
		CapabilityID: d.ID,
		Verb:         "executed",
		Situation: kstar.Situation{
			Actor:   urn,
			Channel: sess.ChannelID,
		},
		Action: kstar.Action{Type: string(d.Execution.Substrate)},
		Result: kstar.Result{Success: success, Outcome: detail},
	}
	if d.Audit.LogInputs && req != nil {
		t.Action.Parameters = map[string]any{"input": req.FirstText()}
	}
	if success && d.Audit.LogOutputs && reply != nil {
		t.Result.Outcome = reply.FirstText()
	}
	if _, err := e.audit.StoreTrace(t); err != nil {
		slog.Error("failed to store invocation trace", "capability", d.ID, "error", err)
	}
}

func isNoTransport(err error) bool {
	return errors.Is(err, router.ErrNoTransport)
}
