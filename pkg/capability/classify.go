package capability

import "strings"

// PowerLevel is the security classification of a capability.
type PowerLevel string

const (
	PowerStandard      PowerLevel = "standard"
	PowerMeta          PowerLevel = "meta"
	PowerSelfModifying PowerLevel = "self_modifying"
	PowerBootstrap     PowerLevel = "bootstrap"
)

// CognitivePattern is the methodology classification of a capability.
type CognitivePattern string

const (
	PatternExecution     CognitivePattern = "execution"
	PatternProcedural    CognitivePattern = "procedural"
	PatternIterative     CognitivePattern = "iterative"
	PatternDiagnostic    CognitivePattern = "diagnostic"
	PatternGenerative    CognitivePattern = "generative"
	PatternOrchestration CognitivePattern = "orchestration"
	PatternReflective    CognitivePattern = "reflective"
)

// powerPrefixes maps capability id prefixes to power levels. First match
// wins; ids with no match classify as standard.
var powerPrefixes = []struct {
	prefix string
	level  PowerLevel
}{
	{"boot.", PowerBootstrap},
	{"cap.", PowerSelfModifying},
	{"self.", PowerSelfModifying},
	{"agent.", PowerMeta},
	{"task.", PowerMeta},
	{"hook.", PowerMeta},
}

// patternPrefixes maps id prefixes to cognitive patterns.
var patternPrefixes = []struct {
	prefix  string
	pattern CognitivePattern
}{
	{"skill.", PatternProcedural},
	{"diag.", PatternDiagnostic},
	{"gen.", PatternGenerative},
	{"llm.", PatternGenerative},
	{"task.", PatternOrchestration},
	{"agent.", PatternOrchestration},
	{"kstar:", PatternReflective},
	{"memory.", PatternReflective},
	{"loop.", PatternIterative},
}

// ClassifyPower derives the power level from the capability id. A non-empty
// override in the descriptor wins.
func ClassifyPower(d *Descriptor) PowerLevel {
	if d.PowerLevel != "" {
		return d.PowerLevel
	}
	for _, p := range powerPrefixes {
		if strings.HasPrefix(d.ID, p.prefix) {
			return p.level
		}
	}
	return PowerStandard
}

// ClassifyPattern derives the cognitive pattern from the capability id. A
// non-empty override in the descriptor wins.
func ClassifyPattern(d *Descriptor) CognitivePattern {
	if d.CognitivePattern != "" {
		return d.CognitivePattern
	}
	for _, p := range patternPrefixes {
		if strings.HasPrefix(d.ID, p.prefix) {
			return p.pattern
		}
	}
	return PatternExecution
}
