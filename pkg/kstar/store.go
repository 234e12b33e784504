package kstar

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Store.
type Options struct {
	// SigningKey is the HMAC key for control-token signatures.
	SigningKey []byte
	// EnableIndex turns on the sqlite trace index for range queries.
	EnableIndex bool
}

// Store is the KSTAR backend. Long-term families live under
// {root}/ltm/memory/ as one JSONL file per family; session-scoped traces are
// mirrored to {root}/stm/{session_id}/trace.jsonl. All writes happen under a
// single writer lock; the in-memory family slices serve reads.
type Store struct {
	mu   sync.RWMutex
	root string
	key  []byte

	traces      []*Trace
	perceptions []*Perception
	facts       []*Fact
	skills      []*Skill
	tokens      map[string]*ControlToken
	tokenOrder  []string

	index *traceIndex
}

// Open creates or reopens a store rooted at root, replaying the existing
// JSONL families into memory.
func Open(root string, opts Options) (*Store, error) {
	dir := filepath.Join(root, "ltm", "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}
	s := &Store{
		root:   root,
		key:    opts.SigningKey,
		tokens: make(map[string]*ControlToken),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	if opts.EnableIndex {
		idx, err := openTraceIndex(filepath.Join(dir, "traces.db"))
		if err != nil {
			return nil, err
		}
		s.index = idx
		for _, t := range s.traces {
			if err := idx.insert(t); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Close releases the optional index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index.close()
	}
	return nil
}

func (s *Store) familyPath(name string) string {
	return filepath.Join(s.root, "ltm", "memory", name+".jsonl")
}

func (s *Store) replay() error {
	if err := replayFile(s.familyPath("traces"), func(line []byte) error {
		var t Trace
		if err := json.Unmarshal(line, &t); err != nil {
			return err
		}
		s.traces = append(s.traces, &t)
		return nil
	}); err != nil {
		return err
	}
	if err := replayFile(s.familyPath("perceptions"), func(line []byte) error {
		var p Perception
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		s.perceptions = append(s.perceptions, &p)
		return nil
	}); err != nil {
		return err
	}
	if err := replayFile(s.familyPath("facts"), func(line []byte) error {
		var f Fact
		if err := json.Unmarshal(line, &f); err != nil {
			return err
		}
		s.facts = append(s.facts, &f)
		return nil
	}); err != nil {
		return err
	}
	if err := replayFile(s.familyPath("skills"), func(line []byte) error {
		var sk Skill
		if err := json.Unmarshal(line, &sk); err != nil {
			return err
		}
		s.skills = append(s.skills, &sk)
		return nil
	}); err != nil {
		return err
	}
	// The token log may hold several lines per id; the last one wins so a
	// revocation recorded after issuance survives a restart.
	return replayFile(s.familyPath("tokens"), func(line []byte) error {
		var tok ControlToken
		if err := json.Unmarshal(line, &tok); err != nil {
			return err
		}
		if _, seen := s.tokens[tok.ID]; !seen {
			s.tokenOrder = append(s.tokenOrder, tok.ID)
		}
		s.tokens[tok.ID] = &tok
		return nil
	})
}

func replayFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// StoreTrace appends an episodic trace. The id and created_at are minted
// when absent. Session-scoped traces are mirrored into the session's STM.
func (s *Store) StoreTrace(t *Trace) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Situation.Now.IsZero() {
		t.Situation.Now = t.CreatedAt
	}
	if err := appendLine(s.familyPath("traces"), t); err != nil {
		return "", err
	}
	if t.SessionID != "" {
		stm := filepath.Join(s.root, "stm", t.SessionID, "trace.jsonl")
		if err := appendLine(stm, t); err != nil {
			return "", err
		}
	}
	s.traces = append(s.traces, t)
	if s.index != nil {
		if err := s.index.insert(t); err != nil {
			return "", err
		}
	}
	return t.ID, nil
}

// StorePerception appends a declarative perception.
func (s *Store) StorePerception(p *Perception) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := appendLine(s.familyPath("perceptions"), p); err != nil {
		return "", err
	}
	s.perceptions = append(s.perceptions, p)
	return p.ID, nil
}

// StoreFact appends a schema-tagged fact. The schema tag is required.
func (s *Store) StoreFact(f *Fact) (string, error) {
	if f.Schema == "" {
		return "", errors.New("fact requires a schema tag")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := appendLine(s.familyPath("facts"), f); err != nil {
		return "", err
	}
	s.facts = append(s.facts, f)
	return f.ID, nil
}

// StoreSkill appends a procedural skill record.
func (s *Store) StoreSkill(sk *Skill) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = time.Now().UTC()
	}
	if err := appendLine(s.familyPath("skills"), sk); err != nil {
		return "", err
	}
	s.skills = append(s.skills, sk)
	return sk.ID, nil
}

// QueryTraces returns traces matching the filter, newest first, honoring
// limit and offset. limit <= 0 means no limit.
func (s *Store) QueryTraces(filter TraceFilter, limit, offset int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The relational index narrows time-ranged scans when enabled.
	var inRange map[string]bool
	if s.index != nil && (!filter.Since.IsZero() || !filter.Until.IsZero()) {
		if ids, err := s.index.idsInRange(filter.Since, filter.Until); err == nil {
			inRange = make(map[string]bool, len(ids))
			for _, id := range ids {
				inRange[id] = true
			}
		}
	}

	var matched []*Trace
	for i := len(s.traces) - 1; i >= 0; i-- {
		if inRange != nil && !inRange[s.traces[i].ID] {
			continue
		}
		if matchTrace(s.traces[i], filter) {
			matched = append(matched, s.traces[i])
		}
	}
	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func matchTrace(t *Trace, f TraceFilter) bool {
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if f.CapabilityID != "" && t.CapabilityID != f.CapabilityID {
		return false
	}
	if f.Actor != "" && t.Situation.Actor != f.Actor {
		return false
	}
	if f.Channel != "" && t.Situation.Channel != f.Channel {
		return false
	}
	if f.Verb != "" && t.Verb != f.Verb {
		return false
	}
	if f.Success != nil && t.Result.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// searchableFields are scanned when SearchTraces gets no field list.
var searchableFields = []string{"goal", "outcome", "tags", "capability"}

// SearchTraces returns traces whose selected fields contain the query text,
// case-insensitively, newest first.
func (s *Store) SearchTraces(query string, fields []string) []*Trace {
	if query == "" {
		return nil
	}
	if len(fields) == 0 {
		fields = searchableFields
	}
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Trace
	for i := len(s.traces) - 1; i >= 0; i-- {
		t := s.traces[i]
		if traceContains(t, q, fields) {
			out = append(out, t)
		}
	}
	return out
}

func traceContains(t *Trace, q string, fields []string) bool {
	for _, field := range fields {
		switch field {
		case "goal":
			if strings.Contains(strings.ToLower(t.Task.Goal), q) {
				return true
			}
		case "outcome":
			if strings.Contains(strings.ToLower(t.Result.Outcome), q) {
				return true
			}
		case "tags":
			for _, tag := range t.Metadata.Tags {
				if strings.Contains(strings.ToLower(tag), q) {
					return true
				}
			}
		case "capability":
			if strings.Contains(strings.ToLower(t.CapabilityID), q) {
				return true
			}
		}
	}
	return false
}

// Perceptions returns all stored perceptions.
func (s *Store) Perceptions() []*Perception {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Perception(nil), s.perceptions...)
}

// Facts returns stored facts, optionally narrowed to one schema tag.
func (s *Store) Facts(schema string) []*Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if schema == "" {
		return append([]*Fact(nil), s.facts...)
	}
	var out []*Fact
	for _, f := range s.facts {
		if f.Schema == schema {
			out = append(out, f)
		}
	}
	return out
}

// Skills returns all stored skill records.
func (s *Store) Skills() []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Skill(nil), s.skills...)
}

// TraceCount reports how many traces are stored.
func (s *Store) TraceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}
