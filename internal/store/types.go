package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document source types. One per supported extractor.
const (
	SourcePDF     = "pdf"
	SourceCSV     = "csv"
	SourceTXT     = "txt"
	SourceDOCX    = "docx"
	SourceXLSX    = "xlsx"
	SourceWebsite = "website"
	SourceGDoc    = "gdoc"
	SourceNotion  = "notion"
)

// Document lifecycle states.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidSourceType reports whether s names a supported extractor.
func ValidSourceType(s string) bool {
	switch s {
	case SourcePDF, SourceCSV, SourceTXT, SourceDOCX, SourceXLSX,
		SourceWebsite, SourceGDoc, SourceNotion:
		return true
	}
	return false
}

// Document is the relational record of an ingested source. The chunk
// contents themselves live only in the vector index; a document is never
// visible as ready until all of its chunks are indexed.
type Document struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	Name         string
	SourceType   string
	SourceURL    string // empty when not URL-backed
	FilePath     string // empty when not file-backed
	ContentHash  string // sha256 hex over concatenated extracted text
	ChunkCount   int
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Organization is the tenant record: isolation boundary for documents,
// conversations, and token budgets.
type Organization struct {
	ID              uuid.UUID
	Name            string
	DefaultProvider string
	DefaultModel    string
	CreatedAt       time.Time
}

// Conversation is an ordered sequence of messages owned by a tenant and
// a user.
type Conversation struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	UserID    uuid.UUID
	Title     string
	CreatedAt time.Time
}

// Message is a single conversation turn. Assistant messages carry the
// citation payload, confidence tier, token count and latency recorded by
// the orchestrator.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	Citations      json.RawMessage // nil for user messages and refusals without sources
	Confidence     string
	TokensUsed     int
	LatencyMS      int
	CreatedAt      time.Time
}
