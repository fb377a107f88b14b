// Package store provides the relational persistence layer: documents,
// conversations, messages, tenants and token bookkeeping over PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the subset of pgx a Store needs. *pgxpool.Pool satisfies it;
// the interface is defined here, by the consumer, so tests can substitute
// a transaction or a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages relational persistence. It is safe for concurrent use by
// multiple goroutines; every method is a single statement or a single
// implicit transaction.
type Store struct {
	db     DB
	logger *slog.Logger
}

// New creates a Store. logger may be nil (defaults to slog.Default()).
func New(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// CreateDocument inserts a new document row in status processing.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	const q = `
		INSERT INTO documents (id, org_id, name, source_type, source_url, file_path, content_hash, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`

	_, err := s.db.Exec(ctx, q,
		doc.ID, doc.OrgID, doc.Name, doc.SourceType,
		doc.SourceURL, doc.FilePath, doc.ContentHash, StatusProcessing)
	if err != nil {
		return fmt.Errorf("creating document %q: %w", doc.Name, err)
	}

	s.logger.Debug("created document", "id", doc.ID, "source_type", doc.SourceType)
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	const q = `
		SELECT id, org_id, name, source_type,
		       COALESCE(source_url, ''), COALESCE(file_path, ''),
		       content_hash, chunk_count, status, COALESCE(error_message, ''),
		       created_at, updated_at
		FROM documents WHERE id = $1`

	var doc Document
	err := s.db.QueryRow(ctx, q, id).Scan(
		&doc.ID, &doc.OrgID, &doc.Name, &doc.SourceType,
		&doc.SourceURL, &doc.FilePath,
		&doc.ContentHash, &doc.ChunkCount, &doc.Status, &doc.ErrorMessage,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return &doc, nil
}

// ListDocuments returns documents for an organization, newest first.
func (s *Store) ListDocuments(ctx context.Context, orgID uuid.UUID, limit int32) ([]*Document, error) {
	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("limit must be between 1 and 1000, got %d", limit)
	}

	const q = `
		SELECT id, org_id, name, source_type,
		       COALESCE(source_url, ''), COALESCE(file_path, ''),
		       content_hash, chunk_count, status, COALESCE(error_message, ''),
		       created_at, updated_at
		FROM documents WHERE org_id = $1
		ORDER BY created_at DESC LIMIT $2`

	rows, err := s.db.Query(ctx, q, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(
			&doc.ID, &doc.OrgID, &doc.Name, &doc.SourceType,
			&doc.SourceURL, &doc.FilePath,
			&doc.ContentHash, &doc.ChunkCount, &doc.Status, &doc.ErrorMessage,
			&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// SetDocumentReady transitions a document to ready with its final chunk
// count. The transition clears any previous error message.
func (s *Store) SetDocumentReady(ctx context.Context, id uuid.UUID, chunkCount int) error {
	const q = `
		UPDATE documents
		SET status = $2, chunk_count = $3, error_message = NULL, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, id, StatusReady, chunkCount)
	if err != nil {
		return fmt.Errorf("marking document %s ready: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetDocumentFailed transitions a document to failed with a human-readable
// message. chunk_count keeps its prior value.
func (s *Store) SetDocumentFailed(ctx context.Context, id uuid.UUID, message string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, id, StatusFailed, message)
	if err != nil {
		return fmt.Errorf("marking document %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateDocumentHash records a new content hash, used on re-ingestion.
func (s *Store) UpdateDocumentHash(ctx context.Context, id uuid.UUID, hash string) error {
	const q = `UPDATE documents SET content_hash = $2, status = $3, updated_at = now() WHERE id = $1`

	tag, err := s.db.Exec(ctx, q, id, hash, StatusProcessing)
	if err != nil {
		return fmt.Errorf("updating document %s hash: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the document row. Chunks in the vector index are
// the caller's responsibility (delete them first).
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	s.logger.Debug("deleted document", "id", id)
	return nil
}

// CreateConversation starts a new conversation for a tenant user.
func (s *Store) CreateConversation(ctx context.Context, orgID, userID uuid.UUID) (*Conversation, error) {
	conv := &Conversation{
		ID:     uuid.New(),
		OrgID:  orgID,
		UserID: userID,
	}

	const q = `
		INSERT INTO conversations (id, org_id, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	if err := s.db.QueryRow(ctx, q, conv.ID, conv.OrgID, conv.UserID).Scan(&conv.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	const q = `
		SELECT id, org_id, user_id, COALESCE(title, ''), created_at
		FROM conversations WHERE id = $1`

	var conv Conversation
	err := s.db.QueryRow(ctx, q, id).Scan(&conv.ID, &conv.OrgID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &conv, nil
}

// GetMessages returns the conversation's most recent messages, oldest
// first, so callers get a chronological window ending at the latest turn.
func (s *Store) GetMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Message, error) {
	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("limit must be between 1 and 1000, got %d", limit)
	}

	const q = `
		SELECT * FROM (
			SELECT id, conversation_id, role, content, citations,
			       COALESCE(confidence, '') AS confidence,
			       COALESCE(tokens_used, 0) AS tokens_used,
			       COALESCE(latency_ms, 0) AS latency_ms,
			       created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Citations,
			&m.Confidence, &m.TokensUsed, &m.LatencyMS, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// AppendMessage adds a message to a conversation.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	const q = `
		INSERT INTO messages (id, conversation_id, role, content, citations, confidence, tokens_used, latency_ms)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`

	_, err := s.db.Exec(ctx, q,
		m.ID, m.ConversationID, m.Role, m.Content, m.Citations,
		m.Confidence, m.TokensUsed, m.LatencyMS)
	if err != nil {
		return fmt.Errorf("appending %s message: %w", m.Role, err)
	}
	return nil
}

// GetOrganization fetches a tenant record (name and model defaults).
func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	const q = `
		SELECT id, name, default_provider, default_model, created_at
		FROM organizations WHERE id = $1`

	var org Organization
	err := s.db.QueryRow(ctx, q, id).Scan(&org.ID, &org.Name, &org.DefaultProvider, &org.DefaultModel, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization %s: %w", id, err)
	}
	return &org, nil
}

// RecordTokenUsage appends a token-usage entry for budget bookkeeping.
func (s *Store) RecordTokenUsage(ctx context.Context, orgID uuid.UUID, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_usage (org_id, tokens) VALUES ($1, $2)`, orgID, tokens)
	if err != nil {
		return fmt.Errorf("recording token usage: %w", err)
	}
	return nil
}

// MonthTokens returns the tokens consumed by an organization in the
// calendar month containing t (UTC).
func (s *Store) MonthTokens(ctx context.Context, orgID uuid.UUID, t time.Time) (int64, error) {
	monthStart := time.Date(t.UTC().Year(), t.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)

	const q = `
		SELECT COALESCE(SUM(tokens), 0) FROM token_usage
		WHERE org_id = $1 AND used_at >= $2 AND used_at < $3`

	var total int64
	err := s.db.QueryRow(ctx, q, orgID, monthStart, monthStart.AddDate(0, 1, 0)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing token usage: %w", err)
	}
	return total, nil
}
