package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLStore loads agent definitions from a YAML document of the shape:
//
//	agents:
//	  - id: automation
//	    prompt: ...
//
// Definitions are read once at construction; Reload refreshes them from disk.
type YAMLStore struct {
	path string

	mu   sync.RWMutex
	defs map[string]*AgentDefinition
}

type yamlDocument struct {
	Agents []*AgentDefinition `yaml:"agents"`
}

// NewYAMLStore reads and validates the definitions at path.
func NewYAMLStore(path string) (*YAMLStore, error) {
	s := &YAMLStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the definitions from disk, replacing the current set
// atomically. A document that fails to parse or validate leaves the previous
// set in place.
func (s *YAMLStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read agent definitions: %w", err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent definitions: %w", err)
	}

	defs := make(map[string]*AgentDefinition, len(doc.Agents))
	for _, def := range doc.Agents {
		if err := def.Validate(); err != nil {
			return err
		}
		if _, dup := defs[def.ID]; dup {
			return fmt.Errorf("duplicate agent definition %q", def.ID)
		}
		applyDefaults(def)
		defs[def.ID] = def
	}

	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
	return nil
}

func applyDefaults(def *AgentDefinition) {
	if def.Convention == "" {
		def.Convention = "structured"
	}
	if def.Pipeline.MaxIterations == 0 {
		def.Pipeline.MaxIterations = 3
	}
}

// GetAgentDefinition implements DefinitionStore.
func (s *YAMLStore) GetAgentDefinition(ctx context.Context, id string) (*AgentDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent definition %q", id)
	}
	return def, nil
}

// ListAgentDefinitions implements DefinitionStore. Results are sorted by id.
func (s *YAMLStore) ListAgentDefinitions(ctx context.Context) ([]*AgentDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
