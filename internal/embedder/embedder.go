// Package embedder turns text into dense vectors.
package embedder

import "context"

// Embedder produces embeddings for indexing and querying. Implementations
// must return vectors of a stable dimension for the lifetime of the process.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order; the result has one vector per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector size, discovered at startup.
	Dimension() int

	// ModelName reports the configured embedding model.
	ModelName() string
}
