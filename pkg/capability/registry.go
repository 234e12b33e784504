package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Registry errors.
var (
	ErrDuplicateID      = errors.New("capability id already registered")
	ErrDuplicateAlias   = errors.New("command alias already registered")
	ErrNotFound         = errors.New("capability not found")
	ErrMutableViolation = errors.New("capability is not mutable")
	ErrHookCycle        = errors.New("hook chain forms a cycle")
)

// maxHookDepth bounds the DFS used for cycle detection. Hook chains deeper
// than this are rejected as effectively cyclic.
const maxHookDepth = 16

// Filter selects capabilities in Query. Zero values mean "any".
type Filter struct {
	Kind             Kind
	Substrate        Substrate
	Exposure         Exposure
	Mode             InvocationMode
	Enabled          *bool
	Alias            string // case-insensitive command alias
	TriggerSubstring string // matches message triggers by substring
}

// Registry holds capability descriptors under a single-writer lock with
// indices by id, kind, substrate, case-folded alias, and trigger keyword.
// Readers get cloned snapshots.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Descriptor
	byKind      map[Kind][]string
	bySubstrate map[Substrate][]string
	byAlias     map[string]string // folded alias -> capability id
	byTrigger   map[string][]string
	order       []string
}

// NewRegistry returns an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Descriptor),
		byKind:      make(map[Kind][]string),
		bySubstrate: make(map[Substrate][]string),
		byAlias:     make(map[string]string),
		byTrigger:   make(map[string][]string),
	}
}

// FoldAlias case-normalizes a command alias for uniqueness checks.
func FoldAlias(alias string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(alias), "/"))
}

// Register adds a descriptor. It fails with ErrDuplicateID, ErrDuplicateAlias
// on collisions and ErrHookCycle when the descriptor's hook chains (combined
// with those already registered) form a cycle.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("descriptor must carry a capability id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}
	folded := make([]string, 0, len(d.Invocation.CommandAliases))
	for _, alias := range d.Invocation.CommandAliases {
		f := FoldAlias(alias)
		if owner, taken := r.byAlias[f]; taken {
			return fmt.Errorf("%w: %q owned by %s", ErrDuplicateAlias, alias, owner)
		}
		folded = append(folded, f)
	}
	if err := r.checkHookCycles(d); err != nil {
		return err
	}

	c := d.Clone()
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}
	r.byID[c.ID] = c
	r.byKind[c.Kind] = append(r.byKind[c.Kind], c.ID)
	r.bySubstrate[c.Execution.Substrate] = append(r.bySubstrate[c.Execution.Substrate], c.ID)
	for _, f := range folded {
		r.byAlias[f] = c.ID
	}
	for _, trig := range c.Invocation.MessageTriggers {
		key := strings.ToLower(trig)
		r.byTrigger[key] = append(r.byTrigger[key], c.ID)
	}
	r.order = append(r.order, c.ID)
	return nil
}

// checkHookCycles walks hook chains depth-first from d, treating hook ids as
// edges. Hooks referencing capabilities that are not registered yet are
// permitted; the check re-runs when those register. Callers hold the lock.
func (r *Registry) checkHookCycles(d *Descriptor) error {
	visiting := map[string]bool{d.ID: true}
	var walk func(id string, depth int) error
	walk = func(id string, depth int) error {
		if depth > maxHookDepth {
			return fmt.Errorf("%w: depth limit exceeded at %s", ErrHookCycle, id)
		}
		var hooks []string
		if id == d.ID {
			hooks = hookEdges(d)
		} else if dep, ok := r.byID[id]; ok {
			hooks = hookEdges(dep)
		}
		for _, hookID := range hooks {
			if visiting[hookID] {
				return fmt.Errorf("%w: %s -> %s", ErrHookCycle, id, hookID)
			}
			visiting[hookID] = true
			if err := walk(hookID, depth+1); err != nil {
				return err
			}
			delete(visiting, hookID)
		}
		return nil
	}
	return walk(d.ID, 0)
}

func hookEdges(d *Descriptor) []string {
	edges := make([]string, 0, len(d.Hooks.PreInvoke)+len(d.Hooks.PostInvoke)+len(d.Hooks.OnError)+len(d.Dependencies))
	edges = append(edges, d.Hooks.PreInvoke...)
	edges = append(edges, d.Hooks.PostInvoke...)
	edges = append(edges, d.Hooks.OnError...)
	edges = append(edges, d.Dependencies...)
	return edges
}

// Unregister removes a capability and its index entries.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.byID, id)
	r.byKind[d.Kind] = removeID(r.byKind[d.Kind], id)
	r.bySubstrate[d.Execution.Substrate] = removeID(r.bySubstrate[d.Execution.Substrate], id)
	for _, alias := range d.Invocation.CommandAliases {
		delete(r.byAlias, FoldAlias(alias))
	}
	for _, trig := range d.Invocation.MessageTriggers {
		key := strings.ToLower(trig)
		r.byTrigger[key] = removeID(r.byTrigger[key], id)
	}
	r.order = removeID(r.order, id)
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Get returns a clone of the descriptor with the given id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Update applies mutate to the descriptor with the given id. Descriptors
// registered with Status.Mutable == false reject every mutation.
func (r *Registry) Update(id string, mutate func(*Descriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !d.Status.Mutable {
		return fmt.Errorf("%w: %s", ErrMutableViolation, id)
	}
	mutate(d)
	return nil
}

// SetEnabled flips the enabled flag. Unlike Update it is permitted for
// immutable descriptors: disabling is an operational act, not a mutation of
// the descriptor's contract.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Status.Enabled = enabled
	return nil
}

// ResolveAlias maps a command alias (with or without sigil, any case) to its
// capability id.
func (r *Registry) ResolveAlias(alias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAlias[FoldAlias(alias)]
	return id, ok
}

// MatchTrigger returns ids of capabilities whose message triggers occur as a
// substring of text (case-insensitive), ordered longest trigger first and
// then by registration order.
func (r *Registry) MatchTrigger(text string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(text)
	type match struct {
		id      string
		trigLen int
		pos     int
	}
	var matches []match
	seen := map[string]bool{}
	for pos, id := range r.order {
		d := r.byID[id]
		for _, trig := range d.Invocation.MessageTriggers {
			key := strings.ToLower(trig)
			if key != "" && strings.Contains(lower, key) && !seen[id] {
				seen[id] = true
				matches = append(matches, match{id: id, trigLen: len(key), pos: pos})
			}
		}
	}
	// Longest trigger wins; ties break by registration order.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0; j-- {
			a, b := matches[j-1], matches[j]
			if b.trigLen > a.trigLen || (b.trigLen == a.trigLen && b.pos < a.pos) {
				matches[j-1], matches[j] = b, a
			} else {
				break
			}
		}
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.id
	}
	return out
}

// Query returns clones of every descriptor matching the filter, in
// registration order.
func (r *Registry) Query(f Filter) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, id := range r.order {
		d := r.byID[id]
		if f.Kind != "" && d.Kind != f.Kind {
			continue
		}
		if f.Substrate != "" && d.Execution.Substrate != f.Substrate {
			continue
		}
		if f.Exposure != "" && d.Access.Exposure != f.Exposure {
			continue
		}
		if f.Mode != "" && !d.HasMode(f.Mode) {
			continue
		}
		if f.Enabled != nil && d.Status.Enabled != *f.Enabled {
			continue
		}
		if f.Alias != "" && r.byAlias[FoldAlias(f.Alias)] != d.ID {
			continue
		}
		if f.TriggerSubstring != "" && !triggerContains(d, f.TriggerSubstring) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

func triggerContains(d *Descriptor, sub string) bool {
	lower := strings.ToLower(sub)
	for _, trig := range d.Invocation.MessageTriggers {
		if strings.Contains(strings.ToLower(trig), lower) {
			return true
		}
	}
	return false
}

// All returns clones of every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	return r.Query(Filter{})
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
