package router

import (
	"context"
	"sync/atomic"

	"github.com/p3394/exemplar/pkg/umf"
)

// DirectTransport calls a registered subagent in-process. Stop makes the
// transport unhealthy so sends fall through to the next preference.
type DirectTransport struct {
	agent   Subagent
	stopped atomic.Bool
}

// NewDirectTransport wraps an in-process subagent.
func NewDirectTransport(agent Subagent) *DirectTransport {
	return &DirectTransport{agent: agent}
}

func (t *DirectTransport) kind() Kind { return KindDirect }

func (t *DirectTransport) probe(context.Context) bool {
	return !t.stopped.Load()
}

func (t *DirectTransport) send(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	if t.stopped.Load() {
		return nil, transientf("direct transport stopped")
	}
	return t.agent.Handle(ctx, msg)
}

func (t *DirectTransport) close() error {
	t.stopped.Store(true)
	return nil
}

// Stop marks the transport unhealthy.
func (t *DirectTransport) Stop() { t.stopped.Store(true) }

// Resume marks the transport healthy again.
func (t *DirectTransport) Resume() { t.stopped.Store(false) }
