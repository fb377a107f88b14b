// Package engine is the answer orchestrator: it ties retrieval,
// reranking, prompt construction, and generation into the end-to-end
// flow, derives confidence and citations, and persists the exchange.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/llm"
	"github.com/quarry-ai/quarry/internal/prompt"
	"github.com/quarry-ai/quarry/internal/rerank"
	"github.com/quarry-ai/quarry/internal/store"
	"github.com/quarry-ai/quarry/internal/vector"
)

// Confidence tiers derived from the best rerank score.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// snippetLimit bounds citation snippets, in runes.
const snippetLimit = 300

// historyLimit bounds how much conversation history is loaded. The
// prompt builder applies its own tighter window on top.
const historyLimit = 50

// Searcher retrieves tenant-scoped candidates from the vector index.
type Searcher interface {
	Search(ctx context.Context, query string, orgID uuid.UUID, topK int) ([]vector.Candidate, error)
}

// Completer is the generation surface of the LLM gateway.
type Completer interface {
	Complete(ctx context.Context, messages []prompt.Message, provider, model string) (*llm.Completion, error)
	Stream(ctx context.Context, messages []prompt.Message, provider, model string) iter.Seq2[string, error]
}

// ConversationStore persists conversations and messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, orgID, userID uuid.UUID) (*store.Conversation, error)
	GetMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*store.Message, error)
	AppendMessage(ctx context.Context, m *store.Message) error
}

// Citation points one bracketed source reference in the answer back to
// its chunk. Index is 1-based and matches the prompt's source numbering.
type Citation struct {
	Index      int     `json:"index"`
	DocID      string  `json:"doc_id"`
	DocName    string  `json:"doc_name"`
	PageNumber *int    `json:"page_number"`
	Snippet    string  `json:"snippet"`
	SourceURL  *string `json:"source_url"`
	Score      float64 `json:"score"`
}

// Request is one answer invocation.
type Request struct {
	Query          string
	OrgID          uuid.UUID
	UserID         uuid.UUID
	OrgName        string
	ConversationID *uuid.UUID
	Provider       string
	Model          string
}

// Response is a complete non-streaming answer.
type Response struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	MessageID      uuid.UUID  `json:"message_id"`
	Content        string     `json:"content"`
	Citations      []Citation `json:"citations"`
	Confidence     string     `json:"confidence"`
	TokensUsed     int        `json:"tokens_used"`
	LatencyMS      int64      `json:"latency_ms"`
}

// Event is one element of a streaming answer: content increments
// followed by a single terminal done event carrying the citations.
// Content events leave Citations nil so the key stays off the wire;
// done events always set it, empty or not, so it serializes as [] on
// the no-results path rather than disappearing.
type Event struct {
	Type      string     `json:"type"`
	Content   string     `json:"content,omitempty"`
	Citations []Citation `json:"citations,omitzero"`
}

// Event types.
const (
	EventContent = "content"
	EventDone    = "done"
)

// Engine orchestrates the answer flow. Safe for concurrent use; all
// state is per-request.
type Engine struct {
	index         Searcher
	reranker      rerank.Reranker
	gateway       Completer
	conversations ConversationStore
	retrieveTopK  int
	rerankTopK    int
	logger        *slog.Logger
}

// New creates an Engine. logger may be nil.
func New(index Searcher, reranker rerank.Reranker, gateway Completer, conversations ConversationStore, retrieveTopK, rerankTopK int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		index:         index,
		reranker:      reranker,
		gateway:       gateway,
		conversations: conversations,
		retrieveTopK:  retrieveTopK,
		rerankTopK:    rerankTopK,
		logger:        logger,
	}
}

// Answer runs the full pipeline and persists the exchange. When nothing
// survives retrieval and reranking the fixed refusal is returned with
// empty citations and zero tokens; the model is never called. Errors
// from any stage propagate untouched; the engine does not retry.
func (e *Engine) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	chunks, err := e.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		content    string
		citations  = []Citation{} // serialized as [] for refusals, never null
		tokens     int
		confidence = ConfidenceLow
	)

	if len(chunks) == 0 {
		content = prompt.NoSourcesResponse
	} else {
		history, err := e.loadHistory(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}

		messages := prompt.Build(req.Query, chunks, req.OrgName, history)
		result, err := e.gateway.Complete(ctx, messages, req.Provider, req.Model)
		if err != nil {
			return nil, fmt.Errorf("generating answer: %w", err)
		}

		content = result.Content
		tokens = result.Tokens
		citations = buildCitations(chunks)
		confidence = deriveConfidence(chunks)
	}

	// One latency reading covers both the persisted row and the response.
	latency := time.Since(start).Milliseconds()

	conversationID, messageID, err := e.persist(ctx, req, content, citations, confidence, tokens, latency)
	if err != nil {
		return nil, err
	}

	e.logger.Info("answer produced",
		"org_id", req.OrgID,
		"confidence", confidence,
		"citations", len(citations),
		"tokens", tokens,
		"latency_ms", latency)

	return &Response{
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		Citations:      citations,
		Confidence:     confidence,
		TokensUsed:     tokens,
		LatencyMS:      latency,
	}, nil
}

// AnswerStream runs the same retrieval and rerank stages, then yields
// one content event per generated increment and a terminal done event
// with the citations. On the no-results path it yields the fixed
// refusal as a single content event. This path does not persist
// conversation records, unlike Answer; bot-style integrations consume
// it statelessly.
func (e *Engine) AnswerStream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		chunks, err := e.retrieve(ctx, req)
		if err != nil {
			yield(Event{}, err)
			return
		}

		if len(chunks) == 0 {
			if !yield(Event{Type: EventContent, Content: prompt.NoSourcesResponse}, nil) {
				return
			}
			yield(Event{Type: EventDone, Citations: []Citation{}}, nil)
			return
		}

		citations := buildCitations(chunks)
		messages := prompt.Build(req.Query, chunks, req.OrgName, nil)

		for inc, err := range e.gateway.Stream(ctx, messages, req.Provider, req.Model) {
			if err != nil {
				yield(Event{}, fmt.Errorf("generating answer: %w", err))
				return
			}
			if !yield(Event{Type: EventContent, Content: inc}, nil) {
				return
			}
		}

		yield(Event{Type: EventDone, Citations: citations}, nil)
	}
}

// retrieve runs vector search and reranking. An empty result at either
// stage is a designed terminal state, not an error.
func (e *Engine) retrieve(ctx context.Context, req Request) ([]rerank.Scored, error) {
	candidates, err := e.index.Search(ctx, req.Query, req.OrgID, e.retrieveTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieving candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chunks, err := e.reranker.Rerank(ctx, req.Query, candidates, e.rerankTopK)
	if err != nil {
		return nil, fmt.Errorf("reranking candidates: %w", err)
	}
	return chunks, nil
}

func (e *Engine) loadHistory(ctx context.Context, conversationID *uuid.UUID) ([]prompt.Message, error) {
	if conversationID == nil {
		return nil, nil
	}

	messages, err := e.conversations.GetMessages(ctx, *conversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}

	history := make([]prompt.Message, len(messages))
	for i, m := range messages {
		history[i] = prompt.Message{Role: m.Role, Content: m.Content}
	}
	return history, nil
}

// persist creates the conversation if needed and appends the user and
// assistant messages. Runs on the no-results path too: refusals are
// part of the conversation record.
func (e *Engine) persist(ctx context.Context, req Request, content string, citations []Citation, confidence string, tokens int, latencyMS int64) (uuid.UUID, uuid.UUID, error) {
	conversationID := uuid.Nil
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	} else {
		conv, err := e.conversations.CreateConversation(ctx, req.OrgID, req.UserID)
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = conv.ID
	}

	userMsg := &store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        req.Query,
	}
	if err := e.conversations.AppendMessage(ctx, userMsg); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("persisting user message: %w", err)
	}

	var citationsJSON json.RawMessage
	if len(citations) > 0 {
		raw, err := json.Marshal(citations)
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("marshaling citations: %w", err)
		}
		citationsJSON = raw
	}

	assistantMsg := &store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Citations:      citationsJSON,
		Confidence:     confidence,
		TokensUsed:     tokens,
		LatencyMS:      int(latencyMS),
	}
	if err := e.conversations.AppendMessage(ctx, assistantMsg); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	return conversationID, assistantMsg.ID, nil
}

// buildCitations derives one citation per surviving chunk. Numbering
// matches the prompt's source blocks; the score is the rerank score
// rounded to four decimal places.
func buildCitations(chunks []rerank.Scored) []Citation {
	citations := make([]Citation, 0, len(chunks))
	for i, chunk := range chunks {
		c := Citation{
			Index:   i + 1,
			DocName: "Unknown",
			Snippet: truncateRunes(chunk.Text, snippetLimit),
			Score:   math.Round(chunk.RerankScore*10000) / 10000,
		}

		if id, ok := chunk.Metadata[vector.MetaDocID].(string); ok {
			c.DocID = id
		}
		if name, ok := chunk.Metadata[vector.MetaDocName].(string); ok && name != "" {
			c.DocName = name
		}
		if page, ok := metadataInt(chunk.Metadata, "page_number"); ok {
			c.PageNumber = &page
		}
		if url, ok := chunk.Metadata["source_url"].(string); ok && url != "" {
			c.SourceURL = &url
		}

		citations = append(citations, c)
	}
	return citations
}

// deriveConfidence tiers the best rerank score: at least 0.8 is high,
// at least 0.5 is medium, anything else low.
func deriveConfidence(chunks []rerank.Scored) string {
	if len(chunks) == 0 {
		return ConfidenceLow
	}

	best := chunks[0].RerankScore
	for _, chunk := range chunks[1:] {
		if chunk.RerankScore > best {
			best = chunk.RerankScore
		}
	}

	switch {
	case best >= 0.8:
		return ConfidenceHigh
	case best >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// metadataInt reads an integer that may have round-tripped through JSON
// as a float64.
func metadataInt(metadata map[string]any, key string) (int, bool) {
	switch v := metadata[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
