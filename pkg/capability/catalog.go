package capability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Source tags where a catalog entry came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceSDK     Source = "sdk"
	SourceSkill   Source = "skill"
	SourceConfig  Source = "config"
	SourceLearned Source = "learned"
)

// Entry wraps a descriptor with catalog classification and presence flags.
type Entry struct {
	Descriptor       *Descriptor      `json:"descriptor"`
	Source           Source           `json:"source"`
	PowerLevel       PowerLevel       `json:"power_level"`
	CognitivePattern CognitivePattern `json:"cognitive_pattern"`
	InSystem         bool             `json:"in_system"`
	InMemory         bool             `json:"in_memory"`
	FirstSeen        time.Time        `json:"first_seen"`
}

// DiscoverFunc contributes descriptors from one system source (builtin
// commands, skills directory, channel transports, MCP tools, ...).
type DiscoverFunc func() ([]*Descriptor, Source, error)

// Catalog reconciles the in-process registry with the catalog persisted in
// long-term memory, classifying every entry by power level and cognitive
// pattern.
type Catalog struct {
	mu        sync.RWMutex
	registry  *Registry
	path      string // ltm/capabilities/catalog.json
	entries   map[string]*Entry
	discovers []DiscoverFunc
}

// NewCatalog builds a catalog over registry persisting at path.
func NewCatalog(registry *Registry, path string) *Catalog {
	return &Catalog{
		registry: registry,
		path:     path,
		entries:  make(map[string]*Entry),
	}
}

// AddSource registers a top-down discovery source consulted by Reconcile.
func (c *Catalog) AddSource(fn DiscoverFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovers = append(c.discovers, fn)
}

// ReconcileResult reports the three merge sets.
type ReconcileResult struct {
	InBoth     []string
	OnlySystem []string
	OnlyMemory []string
}

// Reconcile loads the persisted catalog, runs top-down discovery, merges the
// two views, and persists the result. Capabilities found only in memory are
// kept for audit but disabled.
func (c *Catalog) Reconcile() (*ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	persisted, err := c.load()
	if err != nil {
		return nil, err
	}

	discovered := map[string]*Entry{}
	for _, fn := range c.discovers {
		descriptors, source, err := fn()
		if err != nil {
			slog.Warn("Capability discovery source failed", "source", source, "error", err)
			continue
		}
		for _, d := range descriptors {
			if _, dup := discovered[d.ID]; dup {
				slog.Warn("Capability discovered twice, keeping first", "capability", d.ID)
				continue
			}
			discovered[d.ID] = &Entry{
				Descriptor:       d,
				Source:           source,
				PowerLevel:       ClassifyPower(d),
				CognitivePattern: ClassifyPattern(d),
				InSystem:         true,
				FirstSeen:        time.Now().UTC(),
			}
		}
	}

	result := &ReconcileResult{}
	merged := map[string]*Entry{}

	for id, entry := range discovered {
		if prev, ok := persisted[id]; ok {
			entry.InMemory = true
			entry.FirstSeen = prev.FirstSeen
			result.InBoth = append(result.InBoth, id)
		} else {
			result.OnlySystem = append(result.OnlySystem, id)
		}
		merged[id] = entry
		if _, registered := c.registry.Get(id); !registered {
			if err := c.registry.Register(entry.Descriptor); err != nil {
				slog.Warn("Failed to register discovered capability", "capability", id, "error", err)
			}
		}
	}

	// Orphans: persisted but no longer discoverable. Keep for audit, mark
	// disabled so nothing routes to them.
	for id, entry := range persisted {
		if _, ok := discovered[id]; ok {
			continue
		}
		entry.InSystem = false
		entry.InMemory = true
		entry.Descriptor.Status.Enabled = false
		merged[id] = entry
		result.OnlyMemory = append(result.OnlyMemory, id)
	}

	c.entries = merged
	if err := c.saveLocked(); err != nil {
		return nil, err
	}
	slog.Info("Capability catalog reconciled",
		"in_both", len(result.InBoth),
		"only_system", len(result.OnlySystem),
		"only_memory", len(result.OnlyMemory))
	return result, nil
}

// Get returns the catalog entry for a capability id.
func (c *Catalog) Get(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// EntryFilter extends registry filtering with catalog-level classifications.
type EntryFilter struct {
	Source           Source
	PowerLevel       PowerLevel
	CognitivePattern CognitivePattern
	// SafeForClient selects standard-power enabled capabilities only.
	SafeForClient bool
	// MethodologicalOnly excludes plain execution-pattern capabilities.
	MethodologicalOnly bool
}

// Query returns catalog entries matching the filter.
func (c *Catalog) Query(f EntryFilter) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Entry
	for _, e := range c.entries {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.PowerLevel != "" && e.PowerLevel != f.PowerLevel {
			continue
		}
		if f.CognitivePattern != "" && e.CognitivePattern != f.CognitivePattern {
			continue
		}
		if f.SafeForClient && (e.PowerLevel != PowerStandard || !e.Descriptor.Status.Enabled) {
			continue
		}
		if f.MethodologicalOnly && e.CognitivePattern == PatternExecution {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Catalog) load() (map[string]*Entry, error) {
	persisted := map[string]*Entry{}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return persisted, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", c.path, err)
	}
	return persisted, nil
}

func (c *Catalog) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return os.Rename(tmp, c.path)
}
