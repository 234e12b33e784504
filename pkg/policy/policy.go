// Package policy implements the rule-based authorization engine that gates
// every capability invocation.
package policy

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/p3394/exemplar/pkg/principal"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Input carries everything a rule condition may examine.
type Input struct {
	Principal            *principal.Principal
	Assurance            principal.Assurance
	CapabilityID         string
	RequestedPermissions []string
	GrantedPermissions   []string
	ChannelID            string
}

// Rule is one prioritized policy entry. Lower priorities evaluate first and
// the first matching rule decides.
type Rule struct {
	Name      string
	Priority  int
	Condition func(Input) bool
	Decision  Decision
	Reason    string
}

// Result reports the decision together with the rule that produced it.
type Result struct {
	Decision Decision
	Rule     string
	Reason   string
	// Enforced is false when enforcement is off for the channel: the decision
	// was computed and logged but the caller was told ALLOW.
	Enforced bool
}

// Engine evaluates an ordered rule list. Enforcement can be toggled globally
// and per channel; with enforcement off the engine still computes and logs
// the real decision.
type Engine struct {
	mu              sync.RWMutex
	rules           []Rule
	enforce         bool
	enforceChannels map[string]bool
}

// NewEngine builds an engine with the given rules sorted by priority.
// Enforcement starts disabled; see SetEnforce.
func NewEngine(rules []Rule) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Engine{
		rules:           sorted,
		enforceChannels: make(map[string]bool),
	}
}

// SetEnforce toggles global enforcement.
func (e *Engine) SetEnforce(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforce = on
}

// EnforceChannel enables enforcement for a single channel regardless of the
// global flag.
func (e *Engine) EnforceChannel(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforceChannels[channelID] = true
}

// Authorize evaluates the rule list against in. The returned Result carries
// the real decision; when enforcement is off for in.ChannelID the Enforced
// flag is false and callers must treat the call as allowed.
func (e *Engine) Authorize(in Input) Result {
	e.mu.RLock()
	enforced := e.enforce || e.enforceChannels[in.ChannelID]
	rules := e.rules
	e.mu.RUnlock()

	res := Result{Decision: Deny, Rule: "default", Reason: "no rule matched", Enforced: enforced}
	for _, r := range rules {
		if r.Condition(in) {
			res.Decision = r.Decision
			res.Rule = r.Name
			res.Reason = r.Reason
			break
		}
	}

	if res.Decision == Deny && !enforced {
		slog.Info("Policy decision computed but not enforced",
			"rule", res.Rule,
			"capability", in.CapabilityID,
			"principal", principalURN(in),
			"channel", in.ChannelID)
	}
	return res
}

// Allowed reports whether the caller may proceed, honoring the enforcement
// toggles.
func (r Result) Allowed() bool {
	return r.Decision == Allow || !r.Enforced
}

func principalURN(in Input) string {
	if in.Principal == nil {
		return ""
	}
	return in.Principal.URN
}

// Permission levels used by the default policy.
const (
	LevelRead    = "read"
	LevelWrite   = "write"
	LevelExecute = "execute"
	LevelAdmin   = "admin"
)

// PermissionLevel classifies a permission string. Permissions follow the
// "level:resource" convention; a bare wildcard or "admin" is admin-level.
func PermissionLevel(perm string) string {
	if perm == "*" || perm == LevelAdmin {
		return LevelAdmin
	}
	if i := strings.Index(perm, ":"); i > 0 {
		switch perm[:i] {
		case LevelAdmin:
			return LevelAdmin
		case LevelWrite:
			return LevelWrite
		case LevelExecute:
			return LevelExecute
		case LevelRead:
			return LevelRead
		}
	}
	if perm == LevelWrite || perm == LevelExecute || perm == LevelRead {
		return perm
	}
	// Unqualified permissions are treated as write-level: safer to gate than
	// to wave through.
	return LevelWrite
}

// anyLevel reports whether any permission in perms classifies as level.
func anyLevel(perms []string, level string) bool {
	for _, p := range perms {
		if PermissionLevel(p) == level {
			return true
		}
	}
	return false
}

// subset reports whether every requested permission is covered by granted.
// A granted "*" covers everything; "level:*" covers its level.
func subset(requested, granted []string) bool {
	for _, req := range requested {
		if !covered(req, granted) {
			return false
		}
	}
	return true
}

func covered(perm string, granted []string) bool {
	for _, g := range granted {
		if g == "*" || g == perm {
			return true
		}
		if strings.HasSuffix(g, ":*") && strings.HasPrefix(perm, g[:len(g)-1]) {
			return true
		}
	}
	return false
}
