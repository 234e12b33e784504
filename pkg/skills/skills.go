// Package skills discovers skill documents: markdown files whose YAML
// frontmatter names and triggers a procedure and whose body is the
// instruction block handed to the LLM substrate.
package skills

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p3394/exemplar/pkg/capability"
)

// IDPrefix namespaces skill capability ids.
const IDPrefix = "skill."

// Skill is one parsed skill document.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`

	// Extra keeps unknown frontmatter fields so re-serializing a skill
	// does not lose them.
	Extra map[string]any `yaml:",inline"`

	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

// CapabilityID returns the catalog id for this skill.
func (s *Skill) CapabilityID() string {
	return IDPrefix + s.Name
}

var frontmatterDelim = []byte("---")

// Parse splits a skill document into frontmatter and instruction body.
func Parse(data []byte, path string) (*Skill, error) {
	rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\r\n"), frontmatterDelim)
	if !ok {
		return nil, fmt.Errorf("%s: missing frontmatter", filepath.Base(path))
	}
	idx := bytes.Index(rest, append([]byte("\n"), frontmatterDelim...))
	if idx < 0 {
		return nil, fmt.Errorf("%s: unterminated frontmatter", filepath.Base(path))
	}
	front := rest[:idx]
	body := rest[idx+1+len(frontmatterDelim):]

	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("%s: invalid frontmatter: %w", filepath.Base(path), err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%s: skill requires a name", filepath.Base(path))
	}
	s.Instructions = strings.TrimSpace(string(body))
	s.Path = path
	return &s, nil
}

// Discover loads every *.md under dir. A missing directory is a warning,
// not an error; unparseable files are skipped with a warning.
func Discover(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("skills directory does not exist", "dir", dir)
			return nil, nil
		}
		return nil, err
	}

	var out []*Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s, err := Parse(data, path)
		if err != nil {
			slog.Warn("skipping invalid skill document", "path", path, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Descriptor builds the composite capability descriptor for a skill. The
// skill's instructions ride along in the engine via the skill manager, not
// the descriptor.
func Descriptor(s *Skill) *capability.Descriptor {
	triggers := make([]string, 0, len(s.Triggers))
	for _, t := range s.Triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			triggers = append(triggers, t)
		}
	}
	return &capability.Descriptor{
		ID:          s.CapabilityID(),
		Name:        s.Name,
		Description: s.Description,
		Kind:        capability.KindComposite,
		Execution: capability.Execution{
			Substrate:  capability.SubstrateLLM,
			Entrypoint: s.Path,
		},
		Invocation: capability.Invocation{
			Modes:           []capability.InvocationMode{capability.ModeMessage},
			MessageTriggers: triggers,
		},
		Access: capability.Access{
			Exposure:            capability.ExposureHuman,
			RequiredPermissions: []string{"execute:skills"},
			DefaultGrant:        true,
		},
		Audit:  capability.Audit{LogInvocation: true},
		Status: capability.Status{Enabled: true, Mutable: true},
	}
}
