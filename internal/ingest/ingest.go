// Package ingest turns source documents into indexed chunks. The
// pipeline runs the source-appropriate extractor, splits the extracted
// entries, stamps document identity into every chunk's metadata, and
// writes the result to the vector index, moving the document record
// from processing to ready or failed.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/chunk"
	"github.com/quarry-ai/quarry/internal/extract"
	"github.com/quarry-ai/quarry/internal/store"
	"github.com/quarry-ai/quarry/internal/vector"
)

// Hash returns the sha256 digest of content as a 64-character hex
// string. Used for change detection across re-ingests.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DocumentStore is the persistence surface the pipeline mutates.
type DocumentStore interface {
	UpdateDocumentHash(ctx context.Context, id uuid.UUID, contentHash string) error
	SetDocumentReady(ctx context.Context, id uuid.UUID, chunkCount int) error
	SetDocumentFailed(ctx context.Context, id uuid.UUID, message string) error
}

// Indexer is the vector index surface the pipeline writes to.
type Indexer interface {
	Upsert(ctx context.Context, texts []string, metadatas []map[string]any, ids []string) error
	DeleteByDocument(ctx context.Context, docID uuid.UUID) error
}

// Result is the outcome of one ingestion run. Exactly one of the two
// states holds: a ready document carries its chunk count, a failed one
// carries a human-readable message.
type Result struct {
	Status     string
	ChunkCount int
	Message    string
}

// Ready builds a successful result.
func Ready(chunkCount int) Result {
	return Result{Status: store.StatusReady, ChunkCount: chunkCount}
}

// Failed builds a failure result.
func Failed(message string) Result {
	return Result{Status: store.StatusFailed, Message: message}
}

// Pipeline orchestrates extraction, chunking, and indexing. Safe for
// concurrent use; each call operates on its own document.
type Pipeline struct {
	extractors extract.Registry
	splitter   *chunk.Splitter
	index      Indexer
	docs       DocumentStore
	logger     *slog.Logger
}

// New creates a Pipeline. logger may be nil.
func New(extractors extract.Registry, splitter *chunk.Splitter, index Indexer, docs DocumentStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractors: extractors,
		splitter:   splitter,
		index:      index,
		docs:       docs,
		logger:     logger,
	}
}

// Ingest processes one document whose record already exists in status
// processing. ref locates the source (file path, URL, or remote id,
// depending on the document's source type). The document always leaves
// processing: any failure is recorded on the record and reported in the
// Result rather than returned as an error; only the absence of an
// extractor for the source type is a programming error worth surfacing.
func (p *Pipeline) Ingest(ctx context.Context, doc store.Document, ref string) Result {
	extractor, err := p.extractors.ForType(doc.SourceType)
	if err != nil {
		return p.fail(ctx, doc, err.Error())
	}

	entries, err := extractor.Extract(ctx, ref)
	if err != nil {
		return p.fail(ctx, doc, err.Error())
	}

	if err := p.updateHash(ctx, doc, entries); err != nil {
		return p.fail(ctx, doc, err.Error())
	}

	texts, metadatas, ids := p.buildChunks(doc, entries)
	if len(texts) == 0 {
		return p.fail(ctx, doc, "No text content extracted")
	}

	if err := p.index.Upsert(ctx, texts, metadatas, ids); err != nil {
		return p.fail(ctx, doc, err.Error())
	}

	if err := p.docs.SetDocumentReady(ctx, doc.ID, len(texts)); err != nil {
		return p.fail(ctx, doc, fmt.Sprintf("indexing succeeded but status update failed: %v", err))
	}

	p.logger.Info("document ingested",
		"document_id", doc.ID,
		"source_type", doc.SourceType,
		"chunks", len(texts))
	return Ready(len(texts))
}

// Reingest deletes the document's existing chunks and runs the full
// ingest flow again. After a successful re-ingest no stale chunks
// remain; a failure mid-way can leave the document with zero searchable
// chunks, reported via failed status.
func (p *Pipeline) Reingest(ctx context.Context, doc store.Document, ref string) Result {
	if err := p.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return p.fail(ctx, doc, fmt.Sprintf("removing stale chunks: %v", err))
	}
	return p.Ingest(ctx, doc, ref)
}

// buildChunks splits every extracted entry and merges document identity
// into each chunk's metadata.
func (p *Pipeline) buildChunks(doc store.Document, entries []extract.Entry) (texts []string, metadatas []map[string]any, ids []string) {
	for _, entry := range entries {
		base := map[string]any{
			vector.MetaDocID:      doc.ID.String(),
			vector.MetaDocName:    doc.Name,
			vector.MetaSourceType: doc.SourceType,
			vector.MetaOrgID:      doc.OrgID.String(),
		}
		for k, v := range entry.Metadata {
			base[k] = v
		}

		for _, piece := range p.splitter.Chunk(entry.Text, base) {
			texts = append(texts, piece.Text)
			metadatas = append(metadatas, piece.Metadata)
			ids = append(ids, uuid.NewString())
		}
	}
	return texts, metadatas, ids
}

func (p *Pipeline) updateHash(ctx context.Context, doc store.Document, entries []extract.Entry) error {
	texts := make([]string, len(entries))
	for i, entry := range entries {
		texts[i] = entry.Text
	}
	if err := p.docs.UpdateDocumentHash(ctx, doc.ID, Hash(strings.Join(texts, "\n"))); err != nil {
		return fmt.Errorf("updating content hash: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, doc store.Document, message string) Result {
	if err := p.docs.SetDocumentFailed(ctx, doc.ID, message); err != nil {
		p.logger.Error("failed to record ingestion failure",
			"document_id", doc.ID,
			"error", err,
			"original_failure", message)
	}
	p.logger.Warn("document ingestion failed",
		"document_id", doc.ID,
		"source_type", doc.SourceType,
		"reason", message)
	return Failed(message)
}
