package config

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the definition cache.
const defaultCacheSize = 128

// CachedStore wraps a DefinitionStore with an LRU cache. Definitions are
// read-mostly; admin updates call Invalidate to drop stale entries.
type CachedStore struct {
	inner DefinitionStore
	cache *lru.Cache[string, *AgentDefinition]
}

// NewCachedStore wraps inner with a definition cache.
func NewCachedStore(inner DefinitionStore) *CachedStore {
	cache, _ := lru.New[string, *AgentDefinition](defaultCacheSize)
	return &CachedStore{inner: inner, cache: cache}
}

// GetAgentDefinition implements DefinitionStore.
func (s *CachedStore) GetAgentDefinition(ctx context.Context, id string) (*AgentDefinition, error) {
	if def, ok := s.cache.Get(id); ok {
		return def, nil
	}
	def, err := s.inner.GetAgentDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, def)
	return def, nil
}

// ListAgentDefinitions implements DefinitionStore. Lists bypass the cache so
// routing always sees the full current set.
func (s *CachedStore) ListAgentDefinitions(ctx context.Context) ([]*AgentDefinition, error) {
	return s.inner.ListAgentDefinitions(ctx)
}

// Invalidate drops the cached entry for id; an empty id drops everything.
func (s *CachedStore) Invalidate(id string) {
	if id == "" {
		s.cache.Purge()
		return
	}
	s.cache.Remove(id)
}
