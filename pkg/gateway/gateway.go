// Package gateway is the core message path: authenticate, bind a session,
// pick a route, dispatch through the invocation engine, and reply. Every
// channel adapter funnels into Gateway.Handle.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/invoke"
	"github.com/p3394/exemplar/pkg/kstar"
	"github.com/p3394/exemplar/pkg/kstar/xapi"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/skills"
	"github.com/p3394/exemplar/pkg/umf"
)

// Route classifies how a request is dispatched.
type Route string

const (
	RouteSymbolic Route = "symbolic"
	RouteSkill    Route = "skill"
	RouteSubagent Route = "subagent"
	RouteLLM      Route = "llm"
)

// LLMCapabilityID is the capability every free-form message falls back to.
const LLMCapabilityID = "core.llm"

// Config wires a Gateway.
type Config struct {
	AgentName string
	Version   string

	Registry   *capability.Registry
	Catalog    *capability.Catalog
	Principals *principal.Registry
	Sessions   *session.Manager
	Engine     *invoke.Engine
	Store      *kstar.Store
	XAPI       *xapi.Emitter
	Skills     *skills.Manager

	// Delegation maps a keyword occurring in free text to the subagent
	// capability it routes to.
	Delegation map[string]string

	// Channels backs the /listChannels view.
	Channels []channel.Adapter
}

// Gateway is the core request handler.
type Gateway struct {
	cfg Config
}

// New builds a gateway and registers the built-in commands and the LLM
// fallback capability.
func New(cfg Config) (*Gateway, error) {
	if cfg.Registry == nil || cfg.Sessions == nil || cfg.Engine == nil {
		return nil, errors.New("registry, sessions and engine are required")
	}
	g := &Gateway{cfg: cfg}
	if err := g.registerBuiltins(); err != nil {
		return nil, err
	}
	return g, nil
}

// RegisterChannels records the active channel adapters. Adapters are built
// after the gateway because they hold a reference to it, so the list is
// attached here rather than through Config.
func (g *Gateway) RegisterChannels(adapters ...channel.Adapter) {
	g.cfg.Channels = append(g.cfg.Channels, adapters...)
}

// Handle processes one inbound message. It never returns nil; failures come
// back as ERROR messages with a stable machine code.
func (g *Gateway) Handle(ctx context.Context, msg *umf.Message) *umf.Message {
	if msg == nil || len(msg.Content) == 0 {
		return umf.NewErrorMessage(msg, umf.CodeDecodeInvalid, "empty message")
	}

	channelID := "unknown"
	if msg.Source != nil && msg.Source.ChannelID != "" {
		channelID = msg.Source.ChannelID
	}
	assertion, ok := channel.ExtractAssertion(msg)
	if !ok {
		assertion = principal.AnonymousAssertion(channelID)
	}

	p, binding := g.resolvePrincipal(assertion)

	sess, replaced := g.bindSession(msg, p, assertion, binding)
	if sess == nil {
		return umf.NewErrorMessage(msg, umf.CodeInternal, "failed to create session")
	}
	msg.SessionID = sess.ID

	var reply *umf.Message
	sess.Do(func() {
		reply = g.dispatch(ctx, msg, sess)
	})

	if reply == nil {
		reply = umf.NewErrorMessage(msg, umf.CodeInternal, "no reply produced")
	}
	if reply.ReplyTo == "" {
		reply.ReplyTo = msg.ID
	}
	if reply.SessionID == "" {
		reply.SessionID = sess.ID
	}
	if replaced {
		reply.SetMeta("session_replaced", true)
		reply.SetMeta("warning", "previous session expired, a new session was created")
	}
	return reply
}

// resolvePrincipal maps the assertion to a principal. Unresolved identities
// degrade to anonymous rather than failing the request.
func (g *Gateway) resolvePrincipal(a principal.Assertion) (*principal.Principal, *principal.CredentialBinding) {
	if g.cfg.Principals == nil {
		return &principal.Principal{URN: principal.AnonymousURN, Type: principal.TypeAnonymous}, nil
	}
	p, binding, ok := g.cfg.Principals.Resolve(a.ChannelID, a.ChannelIdentity)
	if !ok {
		slog.Debug("identity did not resolve, degrading to anonymous",
			"channel", a.ChannelID, "identity", a.ChannelIdentity)
		return g.cfg.Principals.Anonymous(), nil
	}
	return p, binding
}

// bindSession finds or creates the session for msg and binds the resolved
// principal to it. replaced reports that msg carried an expired or unknown
// session id.
func (g *Gateway) bindSession(msg *umf.Message, p *principal.Principal, a principal.Assertion, binding *principal.CredentialBinding) (*session.Session, bool) {
	var scopes []string
	if binding != nil {
		scopes = binding.Scopes
	}

	if msg.SessionID != "" {
		if sess, ok := g.cfg.Sessions.Get(msg.SessionID); ok {
			sess.Bind(p, a.Assurance, scopes)
			g.cfg.Sessions.Touch(sess.ID)
			return sess, false
		}
	}

	sess, err := g.cfg.Sessions.Create(session.Options{ChannelID: a.ChannelID})
	if err != nil {
		slog.Error("session creation failed", "error", err)
		return nil, false
	}
	sess.Bind(p, a.Assurance, scopes)
	return sess, msg.SessionID != ""
}

// dispatch picks the route, records the pre-route trace and xAPI statement,
// runs the engine, and records the outcome.
func (g *Gateway) dispatch(ctx context.Context, msg *umf.Message, sess *session.Session) *umf.Message {
	capID, route := g.route(msg)

	g.preTrace(sess, msg, capID, route)

	reply, err := g.cfg.Engine.Invoke(ctx, capID, msg, sess)
	if err != nil {
		reply = g.errorReply(msg, capID, err)
	}

	g.postTrace(sess, msg, reply, capID, route)
	return reply
}

// route implements the precedence command > skill > delegation > llm.
func (g *Gateway) route(msg *umf.Message) (string, Route) {
	text := strings.TrimSpace(msg.FirstText())

	normalized := channel.NormalizeCommand(text)
	if strings.HasPrefix(normalized, channel.CommandSigil) {
		alias, _, _ := strings.Cut(normalized, " ")
		if capID, ok := g.cfg.Registry.ResolveAlias(alias); ok {
			return capID, RouteSymbolic
		}
	}

	if g.cfg.Skills != nil {
		if skill, ok := g.cfg.Skills.Match(text); ok {
			return skill.CapabilityID(), RouteSkill
		}
	}

	lower := strings.ToLower(text)
	for keyword, capID := range g.cfg.Delegation {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return capID, RouteSubagent
		}
	}

	return LLMCapabilityID, RouteLLM
}

// errorReply maps engine errors to the stable machine codes.
func (g *Gateway) errorReply(msg *umf.Message, capID string, err error) *umf.Message {
	var code string
	switch {
	case errors.Is(err, invoke.ErrCapNotFound):
		code = umf.CodeCapNotFound
	case errors.Is(err, invoke.ErrCapDisabled):
		code = umf.CodeCapNotFound
	case errors.Is(err, invoke.ErrCapDenied):
		code = umf.CodeAuthDenied
	case errors.Is(err, context.DeadlineExceeded):
		code = umf.CodeTimeout
	default:
		code = umf.CodeInternal
		slog.Error("unclassified dispatch failure", "capability", capID, "error", err)
	}
	reply := umf.NewErrorMessage(msg, code, err.Error())
	if capID != "" {
		reply.SetMeta("capability_id", capID)
	}
	return reply
}

func (g *Gateway) preTrace(sess *session.Session, msg *umf.Message, capID string, route Route) {
	if g.cfg.Store != nil {
		_, err := g.cfg.Store.StoreTrace(&kstar.Trace{
			SessionID:    sess.ID,
			CapabilityID: capID,
			Verb:         "asked",
			Situation: kstar.Situation{
				Actor:   sess.PrincipalURN,
				Channel: sess.ChannelID,
			},
			Task:   kstar.Task{Goal: msg.FirstText()},
			Action: kstar.Action{Type: string(route)},
		})
		if err != nil {
			slog.Error("pre-route trace failed", "error", err)
		}
	}
	if g.cfg.XAPI != nil {
		if _, err := g.cfg.XAPI.EmitFor(sess.PrincipalURN, xapi.VerbAsked, msg); err != nil {
			slog.Error("xapi emit failed", "error", err)
		}
	}
}

func (g *Gateway) postTrace(sess *session.Session, msg, reply *umf.Message, capID string, route Route) {
	success := reply.Type != umf.MessageTypeError
	if g.cfg.Store != nil {
		outcome := ""
		if !success {
			outcome = reply.FirstText()
		}
		_, err := g.cfg.Store.StoreTrace(&kstar.Trace{
			SessionID:    sess.ID,
			CapabilityID: capID,
			Verb:         "completed",
			Situation: kstar.Situation{
				Actor:   sess.PrincipalURN,
				Channel: sess.ChannelID,
			},
			Action: kstar.Action{Type: string(route)},
			Result: kstar.Result{Success: success, Outcome: outcome},
		})
		if err != nil {
			slog.Error("post-route trace failed", "error", err)
		}
	}
	if g.cfg.XAPI != nil {
		verb := xapi.VerbExecuted
		if !success {
			verb = xapi.VerbCompleted
		}
		reply.SessionID = sess.ID
		if _, err := g.cfg.XAPI.EmitFor(sess.PrincipalURN, verb, reply); err != nil {
			slog.Error("xapi emit failed", "error", err)
		}
	}
}
