package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheSize bounds the retrieval result cache.
const cacheSize = 256

// storedDocument is the internal representation persisted by InMemoryStore.
type storedDocument struct {
	id       string
	content  string
	metadata map[string]any
}

// InMemoryStore is a process-local Retriever. Documents are appended via Add;
// Retrieve ranks them by term overlap with the query. Repeated queries are
// served from an LRU cache that is dropped on any write.
//
// Suitable for tests and small corpora; swap for a vector index for
// production retrieval.
type InMemoryStore struct {
	mu    sync.RWMutex
	docs  []storedDocument
	cache *lru.Cache[string, []Passage]
}

// NewInMemoryStore creates an empty in-memory retriever.
func NewInMemoryStore() *InMemoryStore {
	cache, _ := lru.New[string, []Passage](cacheSize)
	return &InMemoryStore{cache: cache}
}

// Add appends a document, generating a simple incremental id.
func (s *InMemoryStore) Add(content string, metadata map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("doc_%d", len(s.docs))
	s.docs = append(s.docs, storedDocument{id: id, content: content, metadata: metadata})
	s.cache.Purge()
	return id
}

// Retrieve implements Retriever. Scoring is the fraction of query terms found
// in the document (case insensitive). Documents with no overlap are omitted.
func (s *InMemoryStore) Retrieve(ctx context.Context, query string, limit int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	cacheKey := fmt.Sprintf("%d:%s", limit, strings.ToLower(query))
	if hits, ok := s.cache.Get(cacheKey); ok {
		return hits, nil
	}

	terms := tokenize(query)

	s.mu.RLock()
	results := make([]Passage, 0, limit)
	for _, doc := range s.docs {
		score := overlapScore(terms, doc.content)
		if score <= 0 {
			continue
		}
		md := make(map[string]any, len(doc.metadata))
		for k, v := range doc.metadata {
			md[k] = v
		}
		results = append(results, Passage{ID: doc.id, Content: doc.content, Score: score, Metadata: md})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	s.cache.Add(cacheKey, results)
	return results, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func overlapScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
