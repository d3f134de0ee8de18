// Package kb maintains the knowledge base: topic articles kept in a semantic store
// and grown, merged and split from the conversation.
package kb

import (
	"context"
	"errors"
)

var ErrArticleNotFound = errors.New("article not found")

type Article struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Match is a query result. Distance is the cosine distance to the query, lower is
// closer.
type Match struct {
	Article
	Distance float64
}

// Similarity is 1 - Distance.
func (m Match) Similarity() float64 { return 1 - m.Distance }

// Store is the semantic article store. Implementations are safe for concurrent use.
type Store interface {
	Count(ctx context.Context) (int, error)
	// Query returns up to k articles nearest to text, closest first.
	Query(ctx context.Context, text string, k int) ([]Match, error)
	Add(ctx context.Context, a Article) error
	// Update replaces the text of an existing article, returning ErrArticleNotFound
	// for an unknown id.
	Update(ctx context.Context, a Article) error
	// Peek returns the first n articles in insertion order.
	Peek(ctx context.Context, n int) ([]Article, error)
	// Persist flushes pending writes to durable storage.
	Persist(ctx context.Context) error
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
