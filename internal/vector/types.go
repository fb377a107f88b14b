package vector

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Metadata keys stamped on every chunk at ingestion time. Positional keys
// (page_number, row_number, chunk_index, total_chunks, source_url) are
// source-specific and merged in by the pipeline.
const (
	MetaOrgID      = "org_id"
	MetaDocID      = "doc_id"
	MetaDocName    = "doc_name"
	MetaSourceType = "source_type"
)

// Candidate is a chunk returned from a similarity search. Similarity is
// normalized so that higher is better (cosine distance converted via
// 1 - distance). Candidates are transient; they are never persisted.
type Candidate struct {
	ID         string
	Text       string
	Metadata   map[string]any
	Similarity float64
}

// ChunkRow is the storage representation of one chunk.
type ChunkRow struct {
	ID         string
	OrgID      uuid.UUID
	DocumentID uuid.UUID
	Content    string
	Embedding  pgvector.Vector
	Metadata   []byte // JSON
	CreatedAt  time.Time
}

// SearchRow is one raw search hit: content, metadata and the index's
// native cosine distance (lower is closer).
type SearchRow struct {
	ID       string
	Content  string
	Metadata []byte // JSON
	Distance float64
}
