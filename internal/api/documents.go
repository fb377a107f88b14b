package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/ingest"
	"github.com/quarry-ai/quarry/internal/store"
)

// defaultListLimit bounds GET /api/documents responses.
const defaultListLimit = 100

// Ingester runs the extraction-to-index pipeline for one document.
type Ingester interface {
	Ingest(ctx context.Context, doc store.Document, ref string) ingest.Result
	Reingest(ctx context.Context, doc store.Document, ref string) ingest.Result
}

// DocumentStore is the persistence surface of the document endpoints.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	ListDocuments(ctx context.Context, orgID uuid.UUID, limit int32) ([]*store.Document, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
}

// ChunkDeleter removes a document's chunks from the vector index.
type ChunkDeleter interface {
	DeleteByDocument(ctx context.Context, docID uuid.UUID) error
}

type documentsHandler struct {
	pipeline Ingester
	docs     DocumentStore
	chunks   ChunkDeleter
	logger   *slog.Logger
}

type createDocumentRequest struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

type documentResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SourceType   string    `json:"source_type"`
	SourceURL    string    `json:"source_url,omitempty"`
	Status       string    `json:"status"`
	ChunkCount   int       `json:"chunk_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDocumentResponse(doc *store.Document) documentResponse {
	return documentResponse{
		ID:           doc.ID.String(),
		Name:         doc.Name,
		SourceType:   doc.SourceType,
		SourceURL:    doc.SourceURL,
		Status:       doc.Status,
		ChunkCount:   doc.ChunkCount,
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// ingestRef resolves the reference the extractor consumes. URL-backed
// sources pass their URL (or opaque remote ID), file-backed sources
// their path.
func ingestRef(doc store.Document) string {
	if doc.FilePath != "" {
		return doc.FilePath
	}
	return doc.SourceURL
}

// create handles POST /api/documents: registers the document and runs
// the ingestion pipeline synchronously. The response reflects the final
// state, ready or failed.
func (h *documentsHandler) create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "org_required", "valid X-Org-ID header required")
		return
	}

	var req createDocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required", "name must not be empty")
		return
	}
	if !store.ValidSourceType(req.SourceType) {
		writeError(w, http.StatusBadRequest, "invalid_source_type", "unsupported source type")
		return
	}
	if req.SourceURL == "" && req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "source_required", "source_url or file_path required")
		return
	}

	doc := &store.Document{
		ID:         uuid.New(),
		OrgID:      orgID,
		Name:       req.Name,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		FilePath:   req.FilePath,
		Status:     store.StatusProcessing,
	}
	if err := h.docs.CreateDocument(r.Context(), doc); err != nil {
		h.logger.Error("creating document", "error", err, "org_id", orgID)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create document")
		return
	}

	result := h.pipeline.Ingest(r.Context(), *doc, ingestRef(*doc))

	updated, err := h.docs.GetDocument(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("reloading document", "error", err, "doc_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to load document")
		return
	}

	status := http.StatusCreated
	if result.Status == store.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toDocumentResponse(updated))
}

// reingest handles POST /api/documents/{id}/reingest: drops the
// document's chunks and rebuilds them from the source.
func (h *documentsHandler) reingest(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	result := h.pipeline.Reingest(r.Context(), *doc, ingestRef(*doc))

	updated, err := h.docs.GetDocument(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("reloading document", "error", err, "doc_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "reingest_failed", "failed to load document")
		return
	}

	status := http.StatusOK
	if result.Status == store.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toDocumentResponse(updated))
}

// list handles GET /api/documents.
func (h *documentsHandler) list(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "org_required", "valid X-Org-ID header required")
		return
	}

	docs, err := h.docs.ListDocuments(r.Context(), orgID, defaultListLimit)
	if err != nil {
		h.logger.Error("listing documents", "error", err, "org_id", orgID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list documents")
		return
	}

	out := make([]documentResponse, len(docs))
	for i, doc := range docs {
		out[i] = toDocumentResponse(doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// delete handles DELETE /api/documents/{id}: chunks first, then the
// row, so a failure between the two never leaves orphaned chunks
// behind a deleted document.
func (h *documentsHandler) delete(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	if err := h.chunks.DeleteByDocument(r.Context(), doc.ID); err != nil {
		h.logger.Error("deleting chunks", "error", err, "doc_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete document")
		return
	}
	if err := h.docs.DeleteDocument(r.Context(), doc.ID); err != nil {
		h.logger.Error("deleting document", "error", err, "doc_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete document")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownedDocument loads the path document and verifies it belongs to the
// requesting tenant. Cross-tenant access reads as not found.
func (h *documentsHandler) ownedDocument(w http.ResponseWriter, r *http.Request) (*store.Document, bool) {
	orgID, ok := orgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "org_required", "valid X-Org-ID header required")
		return nil, false
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return nil, false
	}

	doc, err := h.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return nil, false
	}
	if doc.OrgID != orgID {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return nil, false
	}

	return doc, true
}
