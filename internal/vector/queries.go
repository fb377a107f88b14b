package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PGQuerier implements Querier on top of pgx.
type PGQuerier struct {
	db *pgxpool.Pool
}

// NewPGQuerier wraps a connection pool. The pool must have pgvector types
// registered; see PoolConfig.
func NewPGQuerier(db *pgxpool.Pool) *PGQuerier {
	return &PGQuerier{db: db}
}

// RegisterTypes installs the pgvector codec on a connection. Intended for
// pgxpool.Config.AfterConnect.
func RegisterTypes(ctx context.Context, conn *pgx.Conn) error {
	return pgxvec.RegisterTypes(ctx, conn)
}

const upsertChunkSQL = `
INSERT INTO chunks (id, org_id, document_id, content, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    content = EXCLUDED.content,
    embedding = EXCLUDED.embedding,
    metadata = EXCLUDED.metadata`

// UpsertChunks writes rows in a single pipelined batch.
func (q *PGQuerier) UpsertChunks(ctx context.Context, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(upsertChunkSQL,
			row.ID, row.OrgID, row.DocumentID, row.Content, row.Embedding, row.Metadata)
	}

	results := q.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting chunk %q: %w", rows[i].ID, err)
		}
	}
	return results.Close()
}

const searchChunksSQL = `
SELECT id, content, metadata, embedding <=> $1 AS distance
FROM chunks
WHERE org_id = $2
ORDER BY distance
LIMIT $3`

// SearchChunks returns the nearest chunks by cosine distance, restricted
// to one tenant.
func (q *PGQuerier) SearchChunks(ctx context.Context, embedding pgvector.Vector, orgID uuid.UUID, limit int32) ([]SearchRow, error) {
	rows, err := q.db.Query(ctx, searchChunksSQL, embedding, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []SearchRow
	for rows.Next() {
		var row SearchRow
		if err := rows.Scan(&row.ID, &row.Content, &row.Metadata, &row.Distance); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunk rows: %w", err)
	}
	return out, nil
}

// DeleteChunksByDocument removes all chunks of one document.
func (q *PGQuerier) DeleteChunksByDocument(ctx context.Context, docID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// EmbeddingDimension reports the declared dimension of the chunks
// embedding column. pgvector keeps the dimension in the column's type
// modifier; -1 means the column was declared without one.
func (q *PGQuerier) EmbeddingDimension(ctx context.Context) (int, error) {
	var typmod int32
	err := q.db.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`,
	).Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("reading embedding dimension: %w", err)
	}
	return int(typmod), nil
}

// CountChunksByDocument reports how many chunks a document has indexed.
func (q *PGQuerier) CountChunksByDocument(ctx context.Context, docID uuid.UUID) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = $1`, docID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}
