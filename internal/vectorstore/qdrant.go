package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const scrollPageSize = 256

// pointNamespace derives deterministic point UUIDs from chunk IDs so that
// re-ingesting a chunk overwrites the previous point.
var pointNamespace = uuid.MustParse("2f2e7c52-9f0a-4c7d-a1be-4cd45c1f8db7")

// QdrantStore implements Store on a single Qdrant collection over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *slog.Logger
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant at grpcAddr ("host:port") and ensures the
// collection exists with a cosine-distance vector space of the given size.
func NewQdrantStore(ctx context.Context, grpcAddr, collection string, dimension int, logger *slog.Logger) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant address %q: %w", grpcAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port %q: %w", portStr, err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
		logger:     logger.With("component", "vectorstore"),
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %q: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", s.collection, err)
	}
	s.logger.Info("created qdrant collection", "collection", s.collection, "dimension", s.dimension)
	return nil
}

// PointID returns the deterministic Qdrant point UUID for a chunk ID.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != s.dimension {
			return fmt.Errorf("chunk %s: vector dimension %d, collection expects %d", c.ID, len(c.Vector), s.dimension)
		}
		payload := make(map[string]any, len(c.Metadata)+4)
		for k, v := range c.Metadata {
			if v == nil {
				continue
			}
			payload[k] = v
		}
		payload["chunk_id"] = c.ID
		payload["document_id"] = c.DocumentID
		payload["chunk_index"] = int64(c.ChunkIndex)
		payload["text"] = c.Text

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(c.ID)),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", s.collection, err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, pt := range scored {
		chunk := chunkFromPayload(pt.GetPayload())
		score := pt.GetScore()
		// Cosine scores can dip below zero for dissimilar vectors; callers
		// expect [0, 1].
		if score < 0 {
			score = 0
		}
		results = append(results, SearchResult{Chunk: chunk, Score: score})
	}
	return results, nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting chunks for document %s: %w", documentID, err)
	}
	return nil
}

func (s *QdrantStore) ListDocuments(ctx context.Context, sortBy, order string) ([]DocumentSummary, error) {
	byID := make(map[string]*DocumentSummary)
	err := s.scrollAll(ctx, false, func(payload map[string]*qdrant.Value) {
		chunk := chunkFromPayload(payload)
		if chunk.DocumentID == "" {
			return
		}
		doc, ok := byID[chunk.DocumentID]
		if !ok {
			doc = &DocumentSummary{
				ID:            chunk.DocumentID,
				FileName:      chunk.Metadata.String("file_name", "unknown"),
				FileType:      chunk.Metadata.String("file_type", ""),
				Path:          chunk.Metadata.String("path", ""),
				FileSizeBytes: chunk.Metadata.Int("file_size_bytes"),
				UploadedAt:    chunk.Metadata.String("uploaded_at", ""),
			}
			byID[chunk.DocumentID] = doc
		}
		doc.Chunks++
	})
	if err != nil {
		return nil, err
	}

	docs := make([]DocumentSummary, 0, len(byID))
	for _, doc := range byID {
		docs = append(docs, *doc)
	}
	SortDocuments(docs, sortBy, order)
	return docs, nil
}

func (s *QdrantStore) ListAllChunks(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	err := s.scrollAll(ctx, false, func(payload map[string]*qdrant.Value) {
		chunks = append(chunks, chunkFromPayload(payload))
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *QdrantStore) CheckHashes(ctx context.Context, checks []FileCheck) (map[string]HashStatus, error) {
	byHash := make(map[string]Chunk)
	err := s.scrollAll(ctx, false, func(payload map[string]*qdrant.Value) {
		chunk := chunkFromPayload(payload)
		if hash := chunk.Metadata.String("file_hash", ""); hash != "" {
			if _, seen := byHash[hash]; !seen {
				byHash[hash] = chunk
			}
		}
	})
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]HashStatus, len(checks))
	for _, check := range checks {
		existing, ok := byHash[check.Hash]
		if !ok {
			statuses[check.Filename] = HashStatus{Exists: false}
			continue
		}
		existingName := existing.Metadata.String("file_name", "")
		statuses[check.Filename] = HashStatus{
			Exists:           true,
			DocumentID:       existing.DocumentID,
			ExistingFilename: existingName,
			Reason:           fmt.Sprintf("Duplicate of '%s' (already uploaded)", existingName),
		}
	}
	return statuses, nil
}

func (s *QdrantStore) Count(ctx context.Context) (uint64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return count, nil
}

// scrollAll pages through the whole collection. The scroll offset is
// inclusive, so previously seen chunk IDs are skipped across page boundaries.
func (s *QdrantStore) scrollAll(ctx context.Context, withVectors bool, visit func(payload map[string]*qdrant.Value)) error {
	seen := make(map[string]struct{})
	var offset *qdrant.PointId
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(withVectors),
		})
		if err != nil {
			return fmt.Errorf("scrolling collection %q: %w", s.collection, err)
		}
		if len(points) == 0 {
			return nil
		}
		for _, pt := range points {
			id := pt.GetId().GetUuid()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			visit(pt.GetPayload())
		}
		if len(points) < scrollPageSize {
			return nil
		}
		offset = points[len(points)-1].GetId()
	}
}

func chunkFromPayload(payload map[string]*qdrant.Value) Chunk {
	chunk := Chunk{Metadata: make(Metadata, len(payload))}
	for key, value := range payload {
		var v any
		switch kind := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			v = kind.StringValue
		case *qdrant.Value_IntegerValue:
			v = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			v = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			v = kind.BoolValue
		default:
			continue
		}
		switch key {
		case "chunk_id":
			chunk.ID, _ = v.(string)
		case "document_id":
			chunk.DocumentID, _ = v.(string)
			chunk.Metadata[key] = v
		case "chunk_index":
			if n, ok := v.(int64); ok {
				chunk.ChunkIndex = int(n)
			}
			chunk.Metadata[key] = v
		case "text":
			chunk.Text, _ = v.(string)
		default:
			chunk.Metadata[key] = v
		}
	}
	return chunk
}
