// Package vectorstore provides the chunk storage contract and its Qdrant
// implementation.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Metadata holds flattened chunk metadata. Values are restricted to
// string | int64 | float64 | bool | nil; Sanitize enforces this before any
// upsert reaches the store.
type Metadata map[string]any

// Chunk is the unit of storage and retrieval.
type Chunk struct {
	ID         string // "{document_id}-chunk-{index}"
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
	Metadata   Metadata
}

// SearchResult is a chunk scored by similarity in [0, 1], higher is closer.
type SearchResult struct {
	Chunk Chunk
	Score float32
}

// DocumentSummary describes one document derived by grouping stored chunks.
type DocumentSummary struct {
	ID            string `json:"id"`
	FileName      string `json:"file_name"`
	FileType      string `json:"file_type"`
	Path          string `json:"path"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	Chunks        int    `json:"chunks"`
	UploadedAt    string `json:"uploaded_at"`
}

// FileCheck identifies an upload candidate for duplicate detection.
type FileCheck struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// HashStatus reports whether a file hash already exists in the store.
type HashStatus struct {
	Exists           bool   `json:"exists"`
	DocumentID       string `json:"document_id,omitempty"`
	ExistingFilename string `json:"existing_filename,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Store defines the vector store operations the engine consumes.
type Store interface {
	// Upsert persists chunks with embeddings and metadata, idempotent on
	// chunk ID.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Query returns the top-k nearest chunks for the embedding.
	Query(ctx context.Context, vector []float32, k int) ([]SearchResult, error)

	// DeleteByDocument removes every chunk whose metadata carries documentID.
	DeleteByDocument(ctx context.Context, documentID string) error

	// ListDocuments groups stored chunks into per-document summaries.
	ListDocuments(ctx context.Context, sortBy, order string) ([]DocumentSummary, error)

	// ListAllChunks scans the full collection; used only to (re)build the
	// sparse index.
	ListAllChunks(ctx context.Context) ([]Chunk, error)

	// CheckHashes maps each filename to its duplicate status.
	CheckHashes(ctx context.Context, checks []FileCheck) (map[string]HashStatus, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (uint64, error)
}

// Sanitize flattens raw metadata into store-compatible primitives: nested
// maps are flattened key by key ("origin" + "filename" -> "origin_filename"),
// lists are dropped, and anything else is stringified.
func Sanitize(raw map[string]any) Metadata {
	cleaned := make(Metadata, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			cleaned[key] = nil
		case string:
			cleaned[key] = v
		case bool:
			cleaned[key] = v
		case int:
			cleaned[key] = int64(v)
		case int32:
			cleaned[key] = int64(v)
		case int64:
			cleaned[key] = v
		case float32:
			cleaned[key] = float64(v)
		case float64:
			cleaned[key] = v
		case map[string]any:
			for nested, nv := range v {
				switch nv := nv.(type) {
				case string, bool, int64, float64:
					cleaned[key+"_"+nested] = nv
				default:
					cleaned[key+"_"+nested] = fmt.Sprintf("%v", nv)
				}
			}
		case []any:
			// Lists have no store representation.
		default:
			cleaned[key] = fmt.Sprintf("%v", v)
		}
	}
	return cleaned
}

// String returns the metadata value as a string, or fallback when missing.
func (m Metadata) String(key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the metadata value as an int64, or 0.
func (m Metadata) Int(key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// SortDocuments orders summaries in place by the requested field and order.
// Unknown fields fall back to uploaded_at.
func SortDocuments(docs []DocumentSummary, sortBy, order string) {
	desc := order != "asc"
	less := func(i, j int) bool { return docs[i].UploadedAt < docs[j].UploadedAt }
	switch sortBy {
	case "name":
		less = func(i, j int) bool {
			return strings.ToLower(docs[i].FileName) < strings.ToLower(docs[j].FileName)
		}
	case "chunks":
		less = func(i, j int) bool { return docs[i].Chunks < docs[j].Chunks }
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if desc {
			return less(j, i)
		}
		return less(i, j)
	})
}
