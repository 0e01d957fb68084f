package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTableYAML []byte

// Persona is a named role the model plays.
type Persona struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Aliases     []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Memory      string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	Description string   `yaml:"description" json:"description"`
}

type tableFile struct {
	Fallback        string    `yaml:"fallback"`
	TerminationRule string    `yaml:"termination_rule"`
	Personas        []Persona `yaml:"personas"`
}

// Table is an immutable persona registry. Lookups accept the persona id,
// its display name, or any alias.
type Table struct {
	personas []Persona
	index    map[string]int
	rule     string
	fallback string
}

// NewTable validates personas and builds a Table. The termination rule is
// shared by every persona.
func NewTable(personas []Persona, terminationRule, fallback string) (*Table, error) {
	t := &Table{
		personas: make([]Persona, 0, len(personas)),
		index:    make(map[string]int, len(personas)*2),
		rule:     strings.TrimSpace(terminationRule),
		fallback: strings.TrimSpace(fallback),
	}
	if t.fallback == "" {
		return nil, fmt.Errorf("persona table: fallback text is required")
	}

	for _, p := range personas {
		p.ID = strings.TrimSpace(p.ID)
		p.Name = strings.TrimSpace(p.Name)
		p.Description = strings.TrimSpace(p.Description)
		if p.ID == "" {
			return nil, fmt.Errorf("persona table: persona with empty id")
		}
		if p.Description == "" {
			return nil, fmt.Errorf("persona table: %s has no description", p.ID)
		}

		keys := append([]string{p.ID, p.Name}, p.Aliases...)
		pos := len(t.personas)
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if prev, ok := t.index[k]; ok && prev != pos {
				return nil, fmt.Errorf("persona table: key %q used by both %s and %s", k, t.personas[prev].ID, p.ID)
			}
			t.index[k] = pos
		}
		p.Aliases = append([]string(nil), p.Aliases...)
		t.personas = append(t.personas, p)
	}
	return t, nil
}

// ParseTable decodes a YAML persona table.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse persona table: %w", err)
	}
	return NewTable(f.Personas, f.TerminationRule, f.Fallback)
}

// LoadTable reads a YAML persona table from path. An empty path yields the
// built-in table.
func LoadTable(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona table: %w", err)
	}
	return ParseTable(data)
}

// DefaultTable returns the built-in persona table.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTableYAML)
}

func (t *Table) Lookup(key string) (Persona, bool) {
	pos, ok := t.index[strings.TrimSpace(key)]
	if !ok {
		return Persona{}, false
	}
	p := t.personas[pos]
	p.Aliases = append([]string(nil), p.Aliases...)
	return p, true
}

// List returns the personas in table order.
func (t *Table) List() []Persona {
	out := make([]Persona, len(t.personas))
	for i, p := range t.personas {
		p.Aliases = append([]string(nil), p.Aliases...)
		out[i] = p
	}
	return out
}

func (t *Table) TerminationRule() string { return t.rule }
func (t *Table) Fallback() string        { return t.fallback }

// MemoryMap maps every lookup key of a persona with a memory record to that
// record's file name.
func (t *Table) MemoryMap() map[string]string {
	out := make(map[string]string)
	for key, pos := range t.index {
		if m := strings.TrimSpace(t.personas[pos].Memory); m != "" {
			out[key] = m
		}
	}
	return out
}
