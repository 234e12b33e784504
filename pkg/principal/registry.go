package principal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known principal URNs seeded on first start.
const (
	SystemURN     = "urn:principal:org:local:role:system:person:exemplar"
	AnonymousURN  = "urn:principal:org:local:role:anonymous:person:unknown"
	LocalAdminURN = "urn:principal:org:local:role:admin:person:operator"
)

// Registry is the persistent store of principals and credential bindings.
// Mutations write through to JSON files under {storage}/ltm/principals/.
type Registry struct {
	mu         sync.RWMutex
	dir        string
	principals map[string]*Principal
	bindings   []*CredentialBinding
}

const (
	principalsFile = "principals.json"
	bindingsFile   = "credential_bindings.json"
)

// NewRegistry loads (or seeds) the principal store under dir. When the store
// is empty it seeds the SYSTEM, ANONYMOUS, and local-admin principals, the
// latter with a wildcard cli binding granting every scope.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create principal store: %w", err)
	}

	r := &Registry{
		dir:        dir,
		principals: make(map[string]*Principal),
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	if len(r.principals) == 0 {
		if err := r.seed(); err != nil {
			return nil, fmt.Errorf("failed to seed principal store: %w", err)
		}
		slog.Info("Seeded principal store", "dir", dir)
	}
	return r, nil
}

func (r *Registry) seed() error {
	now := time.Now().UTC()
	seedPrincipals := []*Principal{
		{URN: SystemURN, Type: TypeSystem, DisplayName: "Exemplar System", CreatedAt: now},
		{URN: AnonymousURN, Type: TypeAnonymous, DisplayName: "Anonymous", CreatedAt: now},
		{URN: LocalAdminURN, Type: TypeHuman, DisplayName: "Local Operator", CreatedAt: now},
	}
	for _, p := range seedPrincipals {
		r.principals[p.URN] = p
	}
	r.bindings = append(r.bindings, &CredentialBinding{
		ID:              uuid.NewString(),
		ChannelID:       "cli",
		ExternalSubject: "local:*",
		PrincipalURN:    LocalAdminURN,
		BindingType:     BindingAccount,
		Scopes:          []string{"*"},
		CreatedAt:       now,
	})
	return r.save()
}

// RegisterPrincipal adds a principal. The URN must be unique.
func (r *Registry) RegisterPrincipal(p *Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.URN == "" {
		return fmt.Errorf("principal URN cannot be empty")
	}
	if _, exists := r.principals[p.URN]; exists {
		return fmt.Errorf("principal %s already registered", p.URN)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.principals[p.URN] = p
	return r.save()
}

// RegisterBinding adds a credential binding. The referenced principal must
// exist. A generated id is assigned when the binding carries none.
func (r *Registry) RegisterBinding(b *CredentialBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.principals[b.PrincipalURN]; !exists {
		return fmt.Errorf("binding references unknown principal %s", b.PrincipalURN)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	r.bindings = append(r.bindings, b)
	return r.save()
}

// Resolve maps a channel-local identity to a principal and the binding that
// matched. Exact external_subject matches beat wildcard matches; among
// equally specific matches the most recently registered wins. A miss returns
// the ANONYMOUS principal with no binding and ok=false.
func (r *Registry) Resolve(channelID, channelIdentity string) (*Principal, *CredentialBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var exact, wildcard *CredentialBinding
	for _, b := range r.bindings {
		if b.Revoked || b.ChannelID != channelID {
			continue
		}
		switch {
		case b.ExternalSubject == channelIdentity:
			if exact == nil || !b.CreatedAt.Before(exact.CreatedAt) {
				exact = b
			}
		case matchWildcard(b.ExternalSubject, channelIdentity):
			if wildcard == nil || !b.CreatedAt.Before(wildcard.CreatedAt) {
				wildcard = b
			}
		}
	}

	match := exact
	if match == nil {
		match = wildcard
	}
	if match == nil {
		return r.anonymousLocked(), nil, false
	}
	p, ok := r.principals[match.PrincipalURN]
	if !ok {
		return r.anonymousLocked(), nil, false
	}
	return p, match, true
}

// matchWildcard supports a trailing * in the external subject, e.g. local:*.
func matchWildcard(pattern, subject string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}

// Anonymous returns the seeded ANONYMOUS principal.
func (r *Registry) Anonymous() *Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.anonymousLocked()
}

func (r *Registry) anonymousLocked() *Principal {
	if p, ok := r.principals[AnonymousURN]; ok {
		return p
	}
	// The store was tampered with; synthesize rather than fail the request.
	return &Principal{URN: AnonymousURN, Type: TypeAnonymous}
}

// Get returns the principal with the given URN.
func (r *Registry) Get(urn string) (*Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.principals[urn]
	return p, ok
}

// ListPrincipals returns all principals.
func (r *Registry) ListPrincipals() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		out = append(out, p)
	}
	return out
}

// ListBindings returns all bindings, revoked ones included.
func (r *Registry) ListBindings() []*CredentialBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CredentialBinding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// RevokeBinding marks a binding revoked. Revoked bindings no longer resolve.
func (r *Registry) RevokeBinding(bindingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		if b.ID == bindingID {
			b.Revoked = true
			return r.save()
		}
	}
	return fmt.Errorf("binding %s not found", bindingID)
}

func (r *Registry) load() error {
	if err := readJSONFile(filepath.Join(r.dir, principalsFile), &r.principals); err != nil {
		return err
	}
	return readJSONFile(filepath.Join(r.dir, bindingsFile), &r.bindings)
}

// save persists both files. Callers hold the write lock.
func (r *Registry) save() error {
	if err := writeJSONFile(filepath.Join(r.dir, principalsFile), r.principals); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(r.dir, bindingsFile), r.bindings)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
