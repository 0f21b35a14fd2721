// Package knowledge provides retrieval backends for the knowledge gathering
// state of the pipeline. A Retriever answers free-text queries with ranked
// passages that are folded into the model context before action generation.
package knowledge

import "context"

// Passage is one ranked retrieval hit.
type Passage struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever answers queries with ranked passages. An empty result is not an
// error: the pipeline proceeds with whatever context it has.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Passage, error)
}
