// Package kstar implements the agent's memory subsystem: episodic traces,
// declarative perceptions and facts, procedural skills, and delegation
// control tokens, persisted as append-only JSON-lines families under the
// storage root.
package kstar

import (
	"time"
)

// Situation captures where and for whom a trace happened.
type Situation struct {
	Domain  string    `json:"domain,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Now     time.Time `json:"now"`
}

// Task is the goal the actor was pursuing.
type Task struct {
	Goal        string   `json:"goal,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Action records what was done.
type Action struct {
	Type       string         `json:"type,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ToolsUsed  []string       `json:"tools_used,omitempty"`
}

// Result records how it went.
type Result struct {
	Success     bool     `json:"success"`
	Outcome     string   `json:"outcome,omitempty"`
	SideEffects []string `json:"side_effects,omitempty"`
}

// TraceMetadata carries cross-cutting tags and links to related traces.
type TraceMetadata struct {
	Mode         string   `json:"mode,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	LinkedTraces []string `json:"linked_traces,omitempty"`
}

// Trace is one episodic memory record. Traces are never updated in place;
// corrections are new traces linking back via Metadata.LinkedTraces.
type Trace struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	CapabilityID string        `json:"capability_id,omitempty"`
	Verb         string        `json:"verb,omitempty"`
	Situation    Situation     `json:"situation"`
	Task         Task          `json:"task"`
	Action       Action        `json:"action"`
	Result       Result        `json:"result"`
	Metadata     TraceMetadata `json:"metadata"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Perception is a declarative observation about the environment.
type Perception struct {
	ID         string         `json:"id"`
	Source     string         `json:"source,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Observed   map[string]any `json:"observed,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Fact is a schema-tagged declarative record.
type Fact struct {
	ID        string         `json:"id"`
	Schema    string         `json:"schema"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Skill is a learned procedural record.
type Skill struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Triggers     []string  `json:"triggers,omitempty"`
	LearnedFrom  []string  `json:"learned_from,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ControlToken is a delegation credential. Scope matching is prefix-or-equal
// and revocation is monotonic: once revoked a token stays addressable with
// revoked=true.
type ControlToken struct {
	ID            string    `json:"id"`
	Issuer        string    `json:"issuer"`
	Subject       string    `json:"subject"`
	Scope         string    `json:"scope"`
	Permissions   []string  `json:"permissions,omitempty"`
	ParentTokenID string    `json:"parent_token_id,omitempty"`
	LineageHash   string    `json:"lineage_hash,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Revoked       bool      `json:"revoked"`
	RevokedAt     time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string    `json:"revoke_reason,omitempty"`
	Signature     string    `json:"signature,omitempty"`
}

// VerifyReason enumerates why a token failed verification.
type VerifyReason string

const (
	ReasonNotFound         VerifyReason = "not_found"
	ReasonRevoked          VerifyReason = "revoked"
	ReasonExpired          VerifyReason = "expired"
	ReasonScopeMismatch    VerifyReason = "scope_mismatch"
	ReasonSignatureInvalid VerifyReason = "signature_invalid"
	ReasonChainBroken      VerifyReason = "chain_broken"
)

// Verification is the result of checking a control token against a scope.
type Verification struct {
	Valid  bool         `json:"valid"`
	Reason VerifyReason `json:"reason,omitempty"`
	Token  *ControlToken `json:"token,omitempty"`
}

// TraceFilter narrows QueryTraces. Zero fields match everything.
type TraceFilter struct {
	SessionID    string
	CapabilityID string
	Actor        string
	Channel      string
	Verb         string
	Success      *bool
	Since        time.Time
	Until        time.Time
}
