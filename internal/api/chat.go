package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/engine"
	"github.com/quarry-ai/quarry/internal/store"
)

// maxChatBody bounds the chat request body.
const maxChatBody = 64 << 10

// Answerer is the engine surface consumed by the chat endpoints.
type Answerer interface {
	Answer(ctx context.Context, req engine.Request) (*engine.Response, error)
	AnswerStream(ctx context.Context, req engine.Request) iter.Seq2[engine.Event, error]
}

// OrgStore resolves tenants and tracks their token spending.
type OrgStore interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*store.Organization, error)
	RecordTokenUsage(ctx context.Context, orgID uuid.UUID, tokens int) error
	MonthTokens(ctx context.Context, orgID uuid.UUID, t time.Time) (int64, error)
}

type chatHandler struct {
	engine Answerer
	orgs   OrgStore
	budget int64 // monthly token budget per tenant, 0 disables the check
	logger *slog.Logger
}

type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// buildRequest validates the HTTP request and resolves it into an
// engine request. Provider and model fall back to the tenant's
// configured defaults. The budget check runs here so over-budget
// tenants are rejected before any retrieval or generation work.
func (h *chatHandler) buildRequest(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	orgID, ok := orgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "org_required", "valid X-Org-ID header required")
		return engine.Request{}, false
	}
	userID, _ := userIDFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return engine.Request{}, false
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query_required", "query must not be empty")
		return engine.Request{}, false
	}

	var conversationID *uuid.UUID
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conversation", "conversation_id must be a UUID")
			return engine.Request{}, false
		}
		conversationID = &id
	}

	org, err := h.orgs.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.logger.Error("resolving organization", "error", err, "org_id", orgID)
		writeError(w, http.StatusNotFound, "org_not_found", "organization not found")
		return engine.Request{}, false
	}

	if h.budget > 0 {
		used, err := h.orgs.MonthTokens(r.Context(), orgID, time.Now())
		if err != nil {
			h.logger.Error("checking token budget", "error", err, "org_id", orgID)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return engine.Request{}, false
		}
		if used >= h.budget {
			writeError(w, http.StatusTooManyRequests, "budget_exceeded", "monthly token budget exceeded")
			return engine.Request{}, false
		}
	}

	provider := req.Provider
	if provider == "" {
		provider = org.DefaultProvider
	}
	model := req.Model
	if model == "" {
		model = org.DefaultModel
	}

	return engine.Request{
		Query:          req.Query,
		OrgID:          orgID,
		UserID:         userID,
		OrgName:        org.Name,
		ConversationID: conversationID,
		Provider:       provider,
		Model:          model,
	}, true
}

// send handles POST /api/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.buildRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.engine.Answer(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("answering query", "error", err, "org_id", req.OrgID)
		writeError(w, http.StatusInternalServerError, "answer_failed", "failed to answer query")
		return
	}

	if resp.TokensUsed > 0 {
		if err := h.orgs.RecordTokenUsage(r.Context(), req.OrgID, resp.TokensUsed); err != nil {
			// Bookkeeping failure must not fail the answer.
			h.logger.Error("recording token usage", "error", err, "org_id", req.OrgID)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// stream handles POST /api/chat/stream as Server-Sent Events: one
// `data:` frame per engine event, flushed immediately. Stops when the
// client disconnects.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.buildRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	sent := false

	for ev, err := range h.engine.AnswerStream(r.Context(), req) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Error("streaming answer", "error", err, "org_id", req.OrgID)
			if !sent {
				writeError(w, http.StatusInternalServerError, "answer_failed", "failed to answer query")
			}
			return
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("encoding stream event", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away.
			return
		}
		sent = true
		if err := rc.Flush(); err != nil {
			return
		}

		if r.Context().Err() != nil {
			return
		}
	}
}
