// Package capability defines the unified capability descriptor schema and the
// registry and catalog built on it. Commands, skills, subagents, and channel
// transports all describe themselves with the same descriptor and are
// discovered, routed, and introspected through the same queries.
package capability

import (
	"encoding/json"
	"time"
)

// Kind is the structural classification of a capability.
type Kind string

const (
	KindAtomic    Kind = "atomic"
	KindComposite Kind = "composite"
	KindProxy     Kind = "proxy"
	KindTemplate  Kind = "template"
)

// Substrate is the execution mechanism of a capability.
type Substrate string

const (
	SubstrateSymbolic        Substrate = "symbolic"
	SubstrateLLM             Substrate = "llm"
	SubstrateShell           Substrate = "shell"
	SubstrateAgent           Substrate = "agent"
	SubstrateExternalService Substrate = "external_service"
	SubstrateTransport       Substrate = "transport"
)

// InvocationMode is a way a capability can be triggered.
type InvocationMode string

const (
	ModeDirect   InvocationMode = "direct"
	ModeCommand  InvocationMode = "command"
	ModeMessage  InvocationMode = "message"
	ModeEvent    InvocationMode = "event"
	ModeUIAction InvocationMode = "ui_action"
)

// Exposure is how far a capability is advertised.
type Exposure string

const (
	ExposureInternal Exposure = "internal"
	ExposureAgent    Exposure = "agent"
	ExposureChannel  Exposure = "channel"
	ExposureHuman    Exposure = "human"
	ExposurePublic   Exposure = "public"
)

// DangerLevel grades the blast radius of a capability.
type DangerLevel string

const (
	DangerLow      DangerLevel = "low"
	DangerMedium   DangerLevel = "medium"
	DangerHigh     DangerLevel = "high"
	DangerCritical DangerLevel = "critical"
)

// Schema holds an input or output schema either inline or by reference.
type Schema struct {
	Ref   string          `json:"ref,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Execution describes how a capability runs.
type Execution struct {
	Substrate  Substrate `json:"substrate"`
	Runtime    string    `json:"runtime,omitempty"`
	Entrypoint string    `json:"entrypoint,omitempty"`
}

// Invocation describes how a capability is triggered.
type Invocation struct {
	Modes           []InvocationMode `json:"modes,omitempty"`
	CommandAliases  []string         `json:"command_aliases,omitempty"`
	MessageTriggers []string         `json:"message_triggers,omitempty"`
}

// Access describes exposure and permission requirements.
type Access struct {
	Exposure            Exposure    `json:"exposure"`
	Channels            []string    `json:"channels,omitempty"`
	RequiredPermissions []string    `json:"required_permissions,omitempty"`
	DefaultGrant        bool        `json:"default_grant,omitempty"`
	DangerLevel         DangerLevel `json:"danger_level,omitempty"`
}

// Hooks lists lifecycle hook chains. Each entry is itself a capability id.
type Hooks struct {
	PreInvoke  []string `json:"pre_invoke,omitempty"`
	PostInvoke []string `json:"post_invoke,omitempty"`
	OnError    []string `json:"on_error,omitempty"`
}

// Delegation describes whether the capability may hand work to subagents.
type Delegation struct {
	Allowed         bool `json:"allowed,omitempty"`
	CreatesSubagent bool `json:"creates_subagent,omitempty"`
}

// Audit controls what the invocation engine records in KSTAR.
type Audit struct {
	LogInvocation bool `json:"log_invocation"`
	LogInputs     bool `json:"log_inputs,omitempty"`
	LogOutputs    bool `json:"log_outputs,omitempty"`
}

// Status carries runtime flags.
type Status struct {
	Enabled bool `json:"enabled"`
	Mutable bool `json:"mutable"`
	Signed  bool `json:"signed,omitempty"`
}

// Descriptor is the unified capability schema.
type Descriptor struct {
	ID          string `json:"capability_id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`

	Kind       Kind       `json:"kind"`
	Execution  Execution  `json:"execution"`
	Invocation Invocation `json:"invocation"`
	Access     Access     `json:"access"`

	InputSchema  *Schema `json:"input_schema,omitempty"`
	OutputSchema *Schema `json:"output_schema,omitempty"`

	Dependencies []string   `json:"dependencies,omitempty"`
	Resources    []string   `json:"resources,omitempty"`
	Hooks        Hooks      `json:"hooks,omitempty"`
	Delegation   Delegation `json:"delegation,omitempty"`
	Audit        Audit      `json:"audit,omitempty"`
	Status       Status     `json:"status"`

	// Classification overrides; when empty the catalog auto-classifies
	// from the capability id.
	PowerLevel       PowerLevel       `json:"power_level,omitempty"`
	CognitivePattern CognitivePattern `json:"cognitive_pattern,omitempty"`

	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// HasMode reports whether the descriptor declares the invocation mode.
func (d *Descriptor) HasMode(mode InvocationMode) bool {
	for _, m := range d.Invocation.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy so registry snapshots cannot be mutated
// by callers.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Invocation.Modes = append([]InvocationMode(nil), d.Invocation.Modes...)
	c.Invocation.CommandAliases = append([]string(nil), d.Invocation.CommandAliases...)
	c.Invocation.MessageTriggers = append([]string(nil), d.Invocation.MessageTriggers...)
	c.Access.Channels = append([]string(nil), d.Access.Channels...)
	c.Access.RequiredPermissions = append([]string(nil), d.Access.RequiredPermissions...)
	c.Dependencies = append([]string(nil), d.Dependencies...)
	c.Resources = append([]string(nil), d.Resources...)
	c.Hooks.PreInvoke = append([]string(nil), d.Hooks.PreInvoke...)
	c.Hooks.PostInvoke = append([]string(nil), d.Hooks.PostInvoke...)
	c.Hooks.OnError = append([]string(nil), d.Hooks.OnError...)
	return &c
}
