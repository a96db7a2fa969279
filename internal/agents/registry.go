// Package agents holds the command templates used to launch agent workers.
package agents

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Template describes how to launch one kind of agent inside a PTY.
type Template struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Command        string            `yaml:"command" json:"command"`
	Args           []string          `yaml:"args" json:"args"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
	AskingPatterns []string          `yaml:"askingPatterns" json:"askingPatterns,omitempty"`
}

// templatesFile is the on-disk YAML shape.
type templatesFile struct {
	Agents []Template `yaml:"agents"`
}

// Registry resolves agent ids to launch templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
	order     []string
}

// DefaultTemplates returns the built-in agent set used when no templates
// file is configured.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:      "claude",
			Name:    "Claude Code",
			Command: "claude",
			AskingPatterns: []string{
				`(?i)do you want`,
				`❯`,
			},
		},
		{
			ID:      "codex",
			Name:    "Codex CLI",
			Command: "codex",
		},
	}
}

// NewRegistry builds a registry from the given templates, last id wins.
func NewRegistry(templates []Template) *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range templates {
		r.add(t)
	}
	return r
}

// LoadRegistry reads templates from the YAML file at path, falling back to
// the defaults when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultTemplates()), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent templates: %w", err)
	}
	var file templatesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent templates: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agent templates file %s defines no agents", path)
	}
	for i, t := range file.Agents {
		if t.ID == "" || t.Command == "" {
			return nil, fmt.Errorf("agent template %d requires id and command", i)
		}
	}
	return NewRegistry(file.Agents), nil
}

func (r *Registry) add(t Template) {
	if _, exists := r.templates[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.templates[t.ID] = t
}

// Get returns the template for an agent id.
func (r *Registry) Get(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// List returns all templates in definition order.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.templates[id])
	}
	return out
}
