package kstar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/umf"
)

// SubagentID is the address other components use to reach memory over the
// outbound router.
const SubagentID = "kstar-memory"

// MetaCapabilityID is the metadata key carrying the requested operation.
const MetaCapabilityID = "capability_id"

// Subagent exposes store operations as router-addressable capabilities
// (kstar:store_trace and friends). Requests carry the operation in
// metadata and a JSON content block with the operation arguments.
type Subagent struct {
	store *Store
}

// NewSubagent wraps a store for router registration.
func NewSubagent(store *Store) *Subagent {
	return &Subagent{store: store}
}

// ID returns the subagent address.
func (a *Subagent) ID() string {
	return SubagentID
}

// Handle dispatches one memory operation and returns the reply UMF.
func (a *Subagent) Handle(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	op, _ := msg.Metadata[MetaCapabilityID].(string)
	raw := []byte("{}")
	for _, block := range msg.Content {
		if block.Type == umf.ContentTypeJSON && block.Data != "" {
			raw = []byte(block.Data)
			break
		}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid operation arguments: %w", err)
	}

	var result any
	switch op {
	case "kstar:store_trace":
		var t Trace
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("invalid trace payload: %w", err)
		}
		t.SessionID = firstNonEmpty(t.SessionID, msg.SessionID)
		id, err := a.store.StoreTrace(&t)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"trace_id": id}

	case "kstar:store_perception":
		var p Perception
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid perception payload: %w", err)
		}
		id, err := a.store.StorePerception(&p)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"perception_id": id}

	case "kstar:store_fact":
		var f Fact
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("invalid fact payload: %w", err)
		}
		id, err := a.store.StoreFact(&f)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"fact_id": id}

	case "kstar:store_skill":
		var sk Skill
		if err := json.Unmarshal(raw, &sk); err != nil {
			return nil, fmt.Errorf("invalid skill payload: %w", err)
		}
		id, err := a.store.StoreSkill(&sk)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"skill_id": id}

	case "kstar:query_traces":
		var q struct {
			Filter TraceFilter `json:"filter"`
			Limit  int         `json:"limit"`
			Offset int         `json:"offset"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("invalid query payload: %w", err)
		}
		result = map[string]any{"traces": a.store.QueryTraces(q.Filter, q.Limit, q.Offset)}

	case "kstar:search_traces":
		var q struct {
			Query  string   `json:"query"`
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("invalid search payload: %w", err)
		}
		result = map[string]any{"traces": a.store.SearchTraces(q.Query, q.Fields)}

	case "kstar:verify_token":
		tokenID, _ := args["token_id"].(string)
		scope, _ := args["scope"].(string)
		result = a.store.VerifyControlToken(tokenID, scope)

	case "kstar:revoke_token":
		tokenID, _ := args["token_id"].(string)
		reason, _ := args["reason"].(string)
		if err := a.store.RevokeControlToken(tokenID, reason); err != nil {
			return nil, err
		}
		result = map[string]any{"revoked": true, "token_id": tokenID}

	case "kstar:token_lineage":
		tokenID, _ := args["token_id"].(string)
		chain, err := a.store.TokenLineage(tokenID)
		if err != nil {
			return nil, err
		}
		result = map[string]any{"lineage": chain}

	default:
		return nil, fmt.Errorf("unknown memory operation %q", op)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	reply := umf.NewResponse(msg, umf.ContentBlock{Type: umf.ContentTypeJSON, Data: string(data)})
	return reply, ctx.Err()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// subagentOps lists the exposed operations with short descriptions.
var subagentOps = []struct {
	id, desc string
}{
	{"kstar:store_trace", "Append an episodic trace to memory"},
	{"kstar:store_perception", "Record a declarative perception"},
	{"kstar:store_fact", "Record a schema-tagged fact"},
	{"kstar:store_skill", "Record a learned skill"},
	{"kstar:query_traces", "Query traces by filter with paging"},
	{"kstar:search_traces", "Full-text search over trace fields"},
	{"kstar:verify_token", "Verify a control token against a scope"},
	{"kstar:revoke_token", "Revoke a control token"},
	{"kstar:token_lineage", "Walk a token's delegation chain"},
}

// Descriptors returns catalog entries for every memory operation, addressed
// through the agent substrate at this subagent.
func (a *Subagent) Descriptors() []*capability.Descriptor {
	out := make([]*capability.Descriptor, 0, len(subagentOps))
	for _, op := range subagentOps {
		name := strings.TrimPrefix(op.id, "kstar:")
		out = append(out, &capability.Descriptor{
			ID:          op.id,
			Name:        name,
			Description: op.desc,
			Kind:        capability.KindAtomic,
			Execution: capability.Execution{
				Substrate:  capability.SubstrateAgent,
				Entrypoint: SubagentID,
			},
			Invocation: capability.Invocation{
				Modes: []capability.InvocationMode{capability.ModeDirect},
			},
			Access: capability.Access{
				Exposure:            capability.ExposureAgent,
				RequiredPermissions: []string{"write:memory"},
			},
			Audit:  capability.Audit{LogInvocation: true},
			Status: capability.Status{Enabled: true},
		})
	}
	return out
}
