// Package router delivers UMF messages to subagents over their preferred
// transports. Each subagent declares an ordered transport list; the router
// filters by health, falls through on transient failures, and reports
// ErrNoTransport when every option is exhausted.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p3394/exemplar/pkg/umf"
)

// ErrNoTransport is returned when no healthy transport could deliver.
var ErrNoTransport = errors.New("no transport available")

// ErrUnknownAgent is returned for sends to an unconnected agent id.
var ErrUnknownAgent = errors.New("unknown subagent")

// Subagent is an in-process message handler reachable over the direct
// transport.
type Subagent interface {
	ID() string
	Handle(ctx context.Context, msg *umf.Message) (*umf.Message, error)
}

// Kind names a transport mechanism.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindStdioRPC Kind = "stdio-rpc"
	KindHTTP     Kind = "http"
	KindSocket   Kind = "socket"
)

// Spec describes one transport in a subagent's preference list.
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Agent backs the direct transport.
	Agent Subagent `json:"-" yaml:"-"`

	// Command and Args spawn the stdio-rpc child process.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// URL is the http transport endpoint.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// SocketPath is the unix socket transport endpoint.
	SocketPath string `json:"socket_path,omitempty" yaml:"socket_path,omitempty"`
}

// transport is one realized delivery mechanism.
type transport interface {
	kind() Kind
	// probe reports whether the transport answered within the deadline.
	probe(ctx context.Context) bool
	send(ctx context.Context, msg *umf.Message) (*umf.Message, error)
	close() error
}

// transientError marks failures worth retrying on the next transport.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

type binding struct {
	transports []transport
	sendMu     sync.Mutex
	inFlight   chan struct{}
}

// Options configures a Router.
type Options struct {
	// ProbeTimeout bounds each health probe.
	ProbeTimeout time.Duration
	// MaxInFlight bounds concurrent sends per subagent.
	MaxInFlight int
}

// Router is the outbound message router.
type Router struct {
	mu           sync.RWMutex
	agents       map[string]*binding
	probeTimeout time.Duration
	maxInFlight  int
}

// New builds a router.
func New(opts Options) *Router {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	return &Router{
		agents:       make(map[string]*binding),
		probeTimeout: opts.ProbeTimeout,
		maxInFlight:  opts.MaxInFlight,
	}
}

// Connect registers a subagent's transport preference list. An existing
// binding for the agent id is closed and replaced.
func (r *Router) Connect(agentID string, specs []Spec) error {
	if len(specs) == 0 {
		return errors.New("at least one transport spec is required")
	}
	transports := make([]transport, 0, len(specs))
	for _, spec := range specs {
		t, err := buildTransport(spec)
		if err != nil {
			for _, built := range transports {
				built.close()
			}
			return err
		}
		transports = append(transports, t)
	}

	b := &binding{
		transports: transports,
		inFlight:   make(chan struct{}, r.maxInFlight),
	}

	r.mu.Lock()
	old := r.agents[agentID]
	r.agents[agentID] = b
	r.mu.Unlock()

	if old != nil {
		closeBinding(old)
	}
	return nil
}

func buildTransport(spec Spec) (transport, error) {
	switch spec.Kind {
	case KindDirect:
		if spec.Agent == nil {
			return nil, errors.New("direct transport requires an agent")
		}
		return NewDirectTransport(spec.Agent), nil
	case KindStdioRPC:
		if spec.Command == "" {
			return nil, errors.New("stdio-rpc transport requires a command")
		}
		return newStdioTransport(spec.Command, spec.Args), nil
	case KindHTTP:
		if spec.URL == "" {
			return nil, errors.New("http transport requires a url")
		}
		return newHTTPTransport(spec.URL), nil
	case KindSocket:
		if spec.SocketPath == "" {
			return nil, errors.New("socket transport requires a path")
		}
		return newSocketTransport(spec.SocketPath), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", spec.Kind)
	}
}

// ConnectDirect is shorthand for a subagent reachable only in-process.
func (r *Router) ConnectDirect(agent Subagent) (*DirectTransport, error) {
	if err := r.Connect(agent.ID(), []Spec{{Kind: KindDirect, Agent: agent}}); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agent.ID()].transports[0].(*DirectTransport), nil
}

// Send delivers a message to the subagent over the first healthy transport,
// falling through to the next preference on transient failure.
func (r *Router) Send(ctx context.Context, agentID string, msg *umf.Message) (*umf.Message, error) {
	r.mu.RLock()
	b, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	select {
	case b.inFlight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-b.inFlight }()

	// One wire interaction at a time per subagent keeps request/reply
	// pairing simple on the stream transports.
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	var lastErr error
	for _, t := range b.transports {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		healthy := t.probe(probeCtx)
		cancel()
		if !healthy {
			slog.Debug("skipping unhealthy transport", "agent", agentID, "transport", t.kind())
			continue
		}

		reply, err := t.send(ctx, msg)
		if err == nil {
			return reply, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		slog.Warn("transport failed, trying next",
			"agent", agentID, "transport", t.kind(), "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrNoTransport, agentID, lastErr)
	}
	return nil, fmt.Errorf("%w for %s", ErrNoTransport, agentID)
}

// Close tears down the binding for one agent.
func (r *Router) Close(agentID string) error {
	r.mu.Lock()
	b, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	closeBinding(b)
	return nil
}

// CloseAll tears down every binding.
func (r *Router) CloseAll() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*binding)
	r.mu.Unlock()
	for _, b := range agents {
		closeBinding(b)
	}
}

// Agents lists connected subagent ids.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

func closeBinding(b *binding) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	for _, t := range b.transports {
		if err := t.close(); err != nil {
			slog.Warn("failed to close transport", "transport", t.kind(), "error", err)
		}
	}
}
