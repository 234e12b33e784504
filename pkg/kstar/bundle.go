package kstar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrChecksumMismatch rejects a tampered or stale bundle.
var ErrChecksumMismatch = errors.New("bundle checksum mismatch")

// ErrReplaceRequiresChecksum rejects a replace import without proof the
// caller holds the exact bundle being applied.
var ErrReplaceRequiresChecksum = errors.New("replace import requires a matching bundle checksum")

// AgentMeta identifies the exporting agent inside a bundle.
type AgentMeta struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Bundle is the portable memory export format.
type Bundle struct {
	Format      string          `json:"format"`
	Version     int             `json:"version"`
	ExportedAt  time.Time       `json:"exported_at"`
	Agent       AgentMeta       `json:"agent"`
	Traces      []*Trace        `json:"traces"`
	Perceptions []*Perception   `json:"perceptions"`
	Facts       []*Fact         `json:"facts"`
	Skills      []*Skill        `json:"skills"`
	Tokens      []*ControlToken `json:"tokens,omitempty"`
	Statistics  map[string]int  `json:"statistics"`
	Checksum    string          `json:"checksum"`
}

// BundleFormat is the only format tag Import accepts.
const BundleFormat = "kstar-bundle"

// bundleVersion is the current export schema version.
const bundleVersion = 1

// ExportOptions configures ExportBundle.
type ExportOptions struct {
	Agent AgentMeta
	// IncludeTokens opts control tokens into the export. They are excluded
	// by default because they carry live delegation credentials.
	IncludeTokens bool
}

// ImportOptions configures ImportBundle.
type ImportOptions struct {
	// Replace drops existing memory before applying the bundle. It is
	// rejected unless Checksum matches the bundle's own checksum.
	Replace  bool
	Checksum string
}

// ImportResult reports what an import did per family.
type ImportResult struct {
	Imported map[string]int `json:"imported"`
	Skipped  map[string]int `json:"skipped"`
}

// checksum covers everything except the checksum field itself.
func (b *Bundle) checksum() (string, error) {
	cp := *b
	cp.Checksum = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the bundle checksum and compares.
func (b *Bundle) VerifyChecksum() error {
	want, err := b.checksum()
	if err != nil {
		return err
	}
	if want != b.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// ExportBundle snapshots the store into a checksummed bundle.
func (s *Store) ExportBundle(opts ExportOptions) (*Bundle, error) {
	s.mu.RLock()
	b := &Bundle{
		Format:      BundleFormat,
		Version:     bundleVersion,
		ExportedAt:  time.Now().UTC(),
		Agent:       opts.Agent,
		Traces:      append([]*Trace(nil), s.traces...),
		Perceptions: append([]*Perception(nil), s.perceptions...),
		Facts:       append([]*Fact(nil), s.facts...),
		Skills:      append([]*Skill(nil), s.skills...),
	}
	if opts.IncludeTokens {
		for _, id := range s.tokenOrder {
			cp := *s.tokens[id]
			b.Tokens = append(b.Tokens, &cp)
		}
	}
	s.mu.RUnlock()

	b.Statistics = map[string]int{
		"traces":      len(b.Traces),
		"perceptions": len(b.Perceptions),
		"facts":       len(b.Facts),
		"skills":      len(b.Skills),
		"tokens":      len(b.Tokens),
	}
	sum, err := b.checksum()
	if err != nil {
		return nil, err
	}
	b.Checksum = sum
	return b, nil
}

// ExportToFile writes a bundle to {root}/export/{timestamp}.kstar and
// returns the path.
func (s *Store) ExportToFile(opts ExportOptions) (string, error) {
	b, err := s.ExportBundle(opts)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, "export")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, b.ExportedAt.Format("20060102T150405Z")+".kstar")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write export bundle: %w", err)
	}
	return path, nil
}

// ImportBundle applies a bundle to the store. The default mode merges by
// record id, skipping ids already present. Replace mode wipes the in-memory
// families first and demands a matching checksum.
func (s *Store) ImportBundle(b *Bundle, opts ImportOptions) (*ImportResult, error) {
	if b.Format != BundleFormat {
		return nil, fmt.Errorf("unsupported bundle format %q", b.Format)
	}
	if err := b.VerifyChecksum(); err != nil {
		return nil, err
	}
	if opts.Replace {
		if opts.Checksum == "" || opts.Checksum != b.Checksum {
			return nil, ErrReplaceRequiresChecksum
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Replace {
		for _, family := range []string{"traces", "perceptions", "facts", "skills", "tokens"} {
			if err := os.WriteFile(s.familyPath(family), nil, 0o644); err != nil {
				return nil, fmt.Errorf("failed to reset %s family: %w", family, err)
			}
		}
		s.traces = nil
		s.perceptions = nil
		s.facts = nil
		s.skills = nil
		s.tokens = make(map[string]*ControlToken)
		s.tokenOrder = nil
	}

	res := &ImportResult{
		Imported: map[string]int{},
		Skipped:  map[string]int{},
	}

	have := func(family string) map[string]bool {
		seen := map[string]bool{}
		switch family {
		case "traces":
			for _, t := range s.traces {
				seen[t.ID] = true
			}
		case "perceptions":
			for _, p := range s.perceptions {
				seen[p.ID] = true
			}
		case "facts":
			for _, f := range s.facts {
				seen[f.ID] = true
			}
		case "skills":
			for _, sk := range s.skills {
				seen[sk.ID] = true
			}
		}
		return seen
	}

	seen := have("traces")
	for _, t := range b.Traces {
		if seen[t.ID] {
			res.Skipped["traces"]++
			continue
		}
		if err := appendLine(s.familyPath("traces"), t); err != nil {
			return nil, err
		}
		s.traces = append(s.traces, t)
		if s.index != nil {
			if err := s.index.insert(t); err != nil {
				return nil, err
			}
		}
		res.Imported["traces"]++
	}

	seen = have("perceptions")
	for _, p := range b.Perceptions {
		if seen[p.ID] {
			res.Skipped["perceptions"]++
			continue
		}
		if err := appendLine(s.familyPath("perceptions"), p); err != nil {
			return nil, err
		}
		s.perceptions = append(s.perceptions, p)
		res.Imported["perceptions"]++
	}

	seen = have("facts")
	for _, f := range b.Facts {
		if seen[f.ID] {
			res.Skipped["facts"]++
			continue
		}
		if err := appendLine(s.familyPath("facts"), f); err != nil {
			return nil, err
		}
		s.facts = append(s.facts, f)
		res.Imported["facts"]++
	}

	seen = have("skills")
	for _, sk := range b.Skills {
		if seen[sk.ID] {
			res.Skipped["skills"]++
			continue
		}
		if err := appendLine(s.familyPath("skills"), sk); err != nil {
			return nil, err
		}
		s.skills = append(s.skills, sk)
		res.Imported["skills"]++
	}

	for _, tok := range b.Tokens {
		if _, ok := s.tokens[tok.ID]; ok {
			res.Skipped["tokens"]++
			continue
		}
		if err := s.storeTokenLocked(tok); err != nil {
			return nil, err
		}
		res.Imported["tokens"]++
	}

	return res, nil
}
