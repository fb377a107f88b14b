// Package vector provides the tenant-scoped adapter over the pgvector
// embedding index: batched idempotent upserts, similarity search with a
// mandatory tenant filter, and delete-by-document.
package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DefaultBatchSize bounds one index write, matching the underlying index
// API limits.
const DefaultBatchSize = 100

// ErrTenantRequired indicates a search was attempted without a tenant id.
// Tenant filtering is mandatory, not best-effort: refusing the query is
// safer than returning another tenant's chunks.
var ErrTenantRequired = errors.New("tenant id is required for search")

// Querier defines the database operations a Store needs. Defined by the
// consumer so tests can substitute a mock; the production implementation
// is PGQuerier.
type Querier interface {
	UpsertChunks(ctx context.Context, rows []ChunkRow) error
	SearchChunks(ctx context.Context, embedding pgvector.Vector, orgID uuid.UUID, limit int32) ([]SearchRow, error)
	DeleteChunksByDocument(ctx context.Context, docID uuid.UUID) error
	CountChunksByDocument(ctx context.Context, docID uuid.UUID) (int64, error)
}

// Store is the vector index adapter. It owns query embedding, write
// batching, and the distance-to-similarity conversion.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	queries   Querier
	embedder  Embedder
	batchSize int
	logger    *slog.Logger
}

// New creates a Store. batchSize <= 0 selects DefaultBatchSize; logger
// may be nil.
func New(queries Querier, embedder Embedder, batchSize int, logger *slog.Logger) *Store {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		queries:   queries,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Upsert embeds texts and writes them to the index in bounded batches.
// Writes are idempotent by id: re-upserting an id replaces its content
// and embedding. texts, metadatas and ids are parallel slices; every
// metadata must carry org_id and doc_id.
func (s *Store) Upsert(ctx context.Context, texts []string, metadatas []map[string]any, ids []string) error {
	if len(texts) != len(metadatas) || len(texts) != len(ids) {
		return fmt.Errorf("upsert: mismatched lengths: %d texts, %d metadatas, %d ids",
			len(texts), len(metadatas), len(ids))
	}
	if len(texts) == 0 {
		return nil
	}

	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))

		embeddings, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embedding batch at %d: %w", start, err)
		}
		if len(embeddings) != end-start {
			return fmt.Errorf("embedding batch at %d: got %d vectors for %d texts", start, len(embeddings), end-start)
		}

		rows := make([]ChunkRow, 0, end-start)
		for i := start; i < end; i++ {
			row, err := buildChunkRow(ids[i], texts[i], metadatas[i], embeddings[i-start])
			if err != nil {
				return fmt.Errorf("chunk %q: %w", ids[i], err)
			}
			rows = append(rows, row)
		}

		if err := s.queries.UpsertChunks(ctx, rows); err != nil {
			return fmt.Errorf("upserting batch at %d: %w", start, err)
		}
	}

	s.logger.Debug("upserted chunks", "count", len(texts))
	return nil
}

// Search embeds the query and returns up to topK candidates for the
// given tenant, ordered by similarity descending. Results are restricted
// to the tenant by an equality filter in the index query itself; a chunk
// belonging to another tenant can never be returned.
func (s *Store) Search(ctx context.Context, query string, orgID uuid.UUID, topK int) ([]Candidate, error) {
	if orgID == uuid.Nil {
		return nil, ErrTenantRequired
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned for query")
	}

	rows, err := s.queries.SearchChunks(ctx, pgvector.NewVector(embeddings[0]), orgID, int32(topK)) //nolint:gosec // topK validated positive and small
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]any
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			s.logger.Warn("failed to parse chunk metadata", "chunk_id", row.ID, "error", err)
			metadata = make(map[string]any)
		}

		candidates = append(candidates, Candidate{
			ID:       row.ID,
			Text:     row.Content,
			Metadata: metadata,
			// The index reports cosine distance; the adapter's contract
			// is a similarity where higher is better.
			Similarity: 1 - row.Distance,
		})
	}
	return candidates, nil
}

// DeleteByDocument removes every chunk belonging to the document.
// Used by document deletion and by re-ingestion.
func (s *Store) DeleteByDocument(ctx context.Context, docID uuid.UUID) error {
	if err := s.queries.DeleteChunksByDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting chunks for document %s: %w", docID, err)
	}
	s.logger.Debug("deleted chunks", "document_id", docID)
	return nil
}

// CountByDocument returns the number of indexed chunks for a document.
func (s *Store) CountByDocument(ctx context.Context, docID uuid.UUID) (int64, error) {
	n, err := s.queries.CountChunksByDocument(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("counting chunks for document %s: %w", docID, err)
	}
	return n, nil
}

// buildChunkRow validates tenant/document identity in the metadata and
// produces the storage row.
func buildChunkRow(id, text string, metadata map[string]any, embedding []float32) (ChunkRow, error) {
	orgID, err := metadataUUID(metadata, MetaOrgID)
	if err != nil {
		return ChunkRow{}, err
	}
	docID, err := metadataUUID(metadata, MetaDocID)
	if err != nil {
		return ChunkRow{}, err
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return ChunkRow{}, fmt.Errorf("marshaling metadata: %w", err)
	}

	return ChunkRow{
		ID:         id,
		OrgID:      orgID,
		DocumentID: docID,
		Content:    text,
		Embedding:  pgvector.NewVector(embedding),
		Metadata:   metadataJSON,
	}, nil
}

func metadataUUID(metadata map[string]any, key string) (uuid.UUID, error) {
	raw, ok := metadata[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("metadata missing %s", key)
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("metadata %s is %T, want string", key, raw)
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata %s: %w", key, err)
	}
	return id, nil
}
