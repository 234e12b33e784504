package skills

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/p3394/exemplar/pkg/capability"
)

// Manager owns the skill set: discovery, registration of composite
// descriptors, and live re-scan when the skills directory changes.
type Manager struct {
	dir      string
	registry *capability.Registry

	mu     sync.RWMutex
	skills map[string]*Skill

	watcher *fsnotify.Watcher
}

// NewManager creates a manager over a skills directory, registering into
// the given capability registry.
func NewManager(dir string, registry *capability.Registry) *Manager {
	return &Manager{
		dir:      dir,
		registry: registry,
		skills:   make(map[string]*Skill),
	}
}

// Load scans the directory and syncs the registry: new skills register,
// changed skills re-register, removed skills unregister.
func (m *Manager) Load() error {
	discovered, err := Discover(m.dir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Skill, len(discovered))
	for _, s := range discovered {
		next[s.CapabilityID()] = s
	}

	for id := range m.skills {
		if _, still := next[id]; !still {
			if err := m.registry.Unregister(id); err != nil {
				slog.Warn("failed to unregister removed skill", "capability", id, "error", err)
			}
		}
	}
	for id, s := range next {
		// Re-registering rebuilds the alias and trigger indices for
		// skills whose frontmatter changed.
		if _, known := m.skills[id]; known {
			if err := m.registry.Unregister(id); err != nil {
				slog.Warn("failed to refresh skill", "capability", id, "error", err)
			}
		}
		if err := m.registry.Register(Descriptor(s)); err != nil {
			slog.Warn("failed to register skill", "capability", id, "error", err)
			delete(next, id)
		}
	}

	m.skills = next
	slog.Info("skills loaded", "dir", m.dir, "count", len(m.skills))
	return nil
}

// Instructions returns the instruction block for a skill capability id.
func (m *Manager) Instructions(capabilityID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[capabilityID]
	if !ok {
		return "", false
	}
	return s.Instructions, true
}

// Get returns a skill by capability id.
func (m *Manager) Get(capabilityID string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[capabilityID]
	return s, ok
}

// List returns all loaded skills.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	return out
}

// Match finds the skill whose trigger matches the text: longest trigger
// wins, registration order breaks ties. The registry does the matching so
// skills compete with other trigger-bearing capabilities consistently.
func (m *Manager) Match(text string) (*Skill, bool) {
	for _, id := range m.registry.MatchTrigger(text) {
		if s, ok := m.Get(id); ok {
			return s, true
		}
	}
	return nil, false
}

// Watch re-scans on filesystem changes until ctx is done. Events are
// debounced so editors that write in bursts trigger one reload.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".md") {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if err := m.Load(); err != nil {
					slog.Error("skill re-scan failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}
