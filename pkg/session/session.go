// Package session manages per-client conversation sessions: lifecycle,
// principal binding, on-disk working directories, and the per-session serial
// execution the gateway's ordering guarantees rest on.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p3394/exemplar/pkg/principal"
)

// DefaultTTL is how long a session survives without activity.
const DefaultTTL = 24 * time.Hour

// ErrSessionNotFound is returned when a session id is not in the live map.
var ErrSessionNotFound = errors.New("session not found")

// sharedSubdirs are materialized under stm/{id}/shared/ on creation.
var sharedSubdirs = []string{"workspace", "artifacts", "temp", "tools"}

// Session is the per-client context. Mutable fields are guarded by mu; the
// serial queue guarantees at most one request for this session is in flight.
type Session struct {
	ID                  string              `json:"id"`
	ClientID            string              `json:"client_id,omitempty"`
	PrincipalURN        string              `json:"principal_urn,omitempty"`
	ServicePrincipalURN string              `json:"service_principal_urn,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	LastActivity        time.Time           `json:"last_activity"`
	ExpiresAt           time.Time           `json:"expires_at,omitempty"`
	Authenticated       bool                `json:"authenticated"`
	Permissions         []string            `json:"permissions,omitempty"`
	Assurance           principal.Assurance `json:"assurance"`
	ChannelID           string              `json:"channel_id,omitempty"`
	WorkDir             string              `json:"work_dir"`
	Metadata            map[string]any      `json:"metadata,omitempty"`

	mu    sync.Mutex
	queue chan struct{}
}

// Do runs fn while holding the session's serial slot. Requests for the same
// session queue behind each other in arrival order; different sessions do
// not contend.
func (s *Session) Do(fn func()) {
	s.queue <- struct{}{}
	defer func() { <-s.queue }()
	fn()
}

// Bind records the resolved principal, assurance, and granted scopes.
func (s *Session) Bind(p *principal.Principal, assurance principal.Assurance, scopes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PrincipalURN = p.URN
	s.Assurance = assurance
	s.Permissions = append([]string(nil), scopes...)
	s.Authenticated = p.Type != principal.TypeAnonymous
}

// Snapshot returns the principal binding under the lock.
func (s *Session) Snapshot() (urn string, assurance principal.Assurance, perms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PrincipalURN, s.Assurance, append([]string(nil), s.Permissions...)
}

// WorkspaceDir returns the shell-substrate working directory.
func (s *Session) WorkspaceDir() string {
	return filepath.Join(s.WorkDir, "workspace")
}

// Options configures session creation.
type Options struct {
	ClientID  string
	ChannelID string
	TTL       time.Duration
}

// Manager owns the live session map and the stm/ directory tree.
type Manager struct {
	mu          sync.RWMutex
	storageRoot string
	serviceURN  string
	sessions    map[string]*Session
	defaultTTL  time.Duration
}

// NewManager creates a session manager rooted at storageRoot. Sessions write
// their state under {storageRoot}/stm/{session_id}/.
func NewManager(storageRoot, serviceURN string) *Manager {
	return &Manager{
		storageRoot: storageRoot,
		serviceURN:  serviceURN,
		sessions:    make(map[string]*Session),
		defaultTTL:  DefaultTTL,
	}
}

// SetDefaultTTL overrides the default session TTL.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		m.defaultTTL = ttl
	}
}

// Create mints a new session, materializes its shared directories, and
// writes the context descriptor file.
func (m *Manager) Create(opts Options) (*Session, error) {
	m.mu.Lock()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now().UTC()
	s := &Session{
		ID:                  uuid.NewString(),
		ClientID:            opts.ClientID,
		ServicePrincipalURN: m.serviceURN,
		CreatedAt:           now,
		LastActivity:        now,
		ExpiresAt:           now.Add(ttl),
		ChannelID:           opts.ChannelID,
		Metadata:            map[string]any{},
		queue:               make(chan struct{}, 1),
	}
	s.WorkDir = filepath.Join(m.storageRoot, "stm", s.ID, "shared")
	m.sessions[s.ID] = s
	m.mu.Unlock()

	for _, sub := range sharedSubdirs {
		if err := os.MkdirAll(filepath.Join(s.WorkDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	if err := m.writeContext(s); err != nil {
		return nil, err
	}
	return s, nil
}

// writeContext persists the session descriptor next to its shared tree.
func (m *Manager) writeContext(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.storageRoot, "stm", s.ID, "context.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session context: %w", err)
	}
	return nil
}

// Get returns the live session with the given id. Expired sessions are
// treated as absent.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.expired(s) {
		m.End(id)
		return nil, false
	}
	return s, true
}

func (m *Manager) expired(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Touch updates the session's last-activity time and pushes out expiry.
func (m *Manager) Touch(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	ttl := m.defaultTTL
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.LastActivity = time.Now().UTC()
	s.ExpiresAt = s.LastActivity.Add(ttl)
	s.mu.Unlock()
	return nil
}

// End removes a session from the live map. On-disk state is retained until
// external cleanup.
func (m *Manager) End(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// CleanupExpired drops every expired session from the live map and reports
// how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
		s.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns the live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
