package config

import (
	"context"
	"fmt"
	"sort"
)

// StaticStore serves a fixed set of agent definitions from memory. It suits
// examples and embedders that configure agents in code rather than YAML.
type StaticStore struct {
	defs map[string]*AgentDefinition
}

// NewStaticStore validates the definitions and applies the same defaults the
// YAML store does.
func NewStaticStore(defs ...*AgentDefinition) (*StaticStore, error) {
	m := make(map[string]*AgentDefinition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[def.ID]; dup {
			return nil, fmt.Errorf("duplicate agent definition %q", def.ID)
		}
		applyDefaults(def)
		m[def.ID] = def
	}
	return &StaticStore{defs: m}, nil
}

// GetAgentDefinition implements DefinitionStore.
func (s *StaticStore) GetAgentDefinition(ctx context.Context, id string) (*AgentDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent definition %q", id)
	}
	return def, nil
}

// ListAgentDefinitions implements DefinitionStore. Results are sorted by id.
func (s *StaticStore) ListAgentDefinitions(ctx context.Context) ([]*AgentDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*AgentDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
