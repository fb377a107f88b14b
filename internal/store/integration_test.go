//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarry-ai/quarry/internal/store"
	"github.com/quarry-ai/quarry/internal/testutil"
)

// seedTenant inserts an organization and a user so the FK constraints on
// documents and conversations are satisfiable.
func seedTenant(t *testing.T, pool *pgxpool.Pool, name string) (orgID, userID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	orgID = uuid.New()
	userID = uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO organizations (id, name, default_provider, default_model) VALUES ($1, $2, 'openai', 'gpt-4o-mini')`,
		orgID, name); err != nil {
		t.Fatalf("seeding organization: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id, org_id, email) VALUES ($1, $2, $3)`,
		userID, orgID, fmt.Sprintf("%s@example.com", userID)); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return orgID, userID
}

func TestStoreIntegration(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	st := store.New(pool, nil)
	ctx := context.Background()

	orgA, userA := seedTenant(t, pool, "Org A")
	orgB, _ := seedTenant(t, pool, "Org B")

	t.Run("document lifecycle", func(t *testing.T) {
		doc := &store.Document{
			ID:         uuid.New(),
			OrgID:      orgA,
			Name:       "handbook.pdf",
			SourceType: store.SourcePDF,
			FilePath:   "/data/handbook.pdf",
		}
		if err := st.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("CreateDocument() error = %v", err)
		}

		got, err := st.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if got.Status != store.StatusProcessing {
			t.Errorf("status = %q, want processing", got.Status)
		}
		if got.FilePath != "/data/handbook.pdf" || got.SourceURL != "" {
			t.Errorf("paths = %q/%q", got.FilePath, got.SourceURL)
		}

		if err := st.SetDocumentReady(ctx, doc.ID, 12); err != nil {
			t.Fatalf("SetDocumentReady() error = %v", err)
		}
		got, err = st.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if got.Status != store.StatusReady || got.ChunkCount != 12 {
			t.Errorf("after ready: status = %q, chunks = %d", got.Status, got.ChunkCount)
		}

		if err := st.SetDocumentFailed(ctx, doc.ID, "vector service unreachable"); err != nil {
			t.Fatalf("SetDocumentFailed() error = %v", err)
		}
		got, err = st.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if got.Status != store.StatusFailed || got.ErrorMessage != "vector service unreachable" {
			t.Errorf("after failure: status = %q, message = %q", got.Status, got.ErrorMessage)
		}

		if err := st.UpdateDocumentHash(ctx, doc.ID, "abc123"); err != nil {
			t.Fatalf("UpdateDocumentHash() error = %v", err)
		}
		got, err = st.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		// Re-hash puts the document back into processing.
		if got.ContentHash != "abc123" || got.Status != store.StatusProcessing {
			t.Errorf("after rehash: hash = %q, status = %q", got.ContentHash, got.Status)
		}

		if err := st.DeleteDocument(ctx, doc.ID); err != nil {
			t.Fatalf("DeleteDocument() error = %v", err)
		}
		if _, err := st.GetDocument(ctx, doc.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetDocument() after delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list scoped to organization", func(t *testing.T) {
		for i, org := range []uuid.UUID{orgA, orgA, orgB} {
			doc := &store.Document{
				ID:         uuid.New(),
				OrgID:      org,
				Name:       fmt.Sprintf("doc-%d.txt", i),
				SourceType: store.SourceTXT,
				FilePath:   "/tmp/x.txt",
			}
			if err := st.CreateDocument(ctx, doc); err != nil {
				t.Fatalf("CreateDocument() error = %v", err)
			}
		}

		docs, err := st.ListDocuments(ctx, orgA, 50)
		if err != nil {
			t.Fatalf("ListDocuments() error = %v", err)
		}
		for _, doc := range docs {
			if doc.OrgID != orgA {
				t.Errorf("document %s belongs to %s, want %s", doc.ID, doc.OrgID, orgA)
			}
		}
		if len(docs) != 2 {
			t.Errorf("got %d documents, want 2", len(docs))
		}
	})

	t.Run("conversation history window", func(t *testing.T) {
		conv, err := st.CreateConversation(ctx, orgA, userA)
		if err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}

		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 5; i++ {
			msg := &store.Message{
				ID:             uuid.New(),
				ConversationID: conv.ID,
				Role:           store.RoleUser,
				Content:        fmt.Sprintf("turn %d", i),
			}
			if err := st.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
			// Pin timestamps so the window is deterministic.
			if _, err := pool.Exec(ctx,
				`UPDATE messages SET created_at = $2 WHERE id = $1`,
				msg.ID, base.Add(time.Duration(i)*time.Minute)); err != nil {
				t.Fatalf("pinning timestamp: %v", err)
			}
		}

		msgs, err := st.GetMessages(ctx, conv.ID, 3)
		if err != nil {
			t.Fatalf("GetMessages() error = %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("got %d messages, want 3", len(msgs))
		}
		// Most recent three, oldest first.
		for i, want := range []string{"turn 2", "turn 3", "turn 4"} {
			if msgs[i].Content != want {
				t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
			}
		}
	})

	t.Run("assistant message round trip", func(t *testing.T) {
		conv, err := st.CreateConversation(ctx, orgA, userA)
		if err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}

		msg := &store.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Role:           store.RoleAssistant,
			Content:        "answer [1]",
			Citations:      []byte(`[{"index":1,"doc_name":"handbook.pdf"}]`),
			Confidence:     "high",
			TokensUsed:     42,
			LatencyMS:      310,
		}
		if err := st.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		msgs, err := st.GetMessages(ctx, conv.ID, 10)
		if err != nil {
			t.Fatalf("GetMessages() error = %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("got %d messages, want 1", len(msgs))
		}
		got := msgs[0]
		if got.Confidence != "high" || got.TokensUsed != 42 || got.LatencyMS != 310 {
			t.Errorf("message = %+v", got)
		}
		if len(got.Citations) == 0 {
			t.Error("citations not persisted")
		}
	})

	t.Run("organization lookup", func(t *testing.T) {
		org, err := st.GetOrganization(ctx, orgA)
		if err != nil {
			t.Fatalf("GetOrganization() error = %v", err)
		}
		if org.Name != "Org A" || org.DefaultProvider != "openai" {
			t.Errorf("organization = %+v", org)
		}

		if _, err := st.GetOrganization(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetOrganization(unknown) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("token bookkeeping", func(t *testing.T) {
		if err := st.RecordTokenUsage(ctx, orgB, 1200); err != nil {
			t.Fatalf("RecordTokenUsage() error = %v", err)
		}
		if err := st.RecordTokenUsage(ctx, orgB, 800); err != nil {
			t.Fatalf("RecordTokenUsage() error = %v", err)
		}
		// Zero usage is skipped, not an error.
		if err := st.RecordTokenUsage(ctx, orgB, 0); err != nil {
			t.Fatalf("RecordTokenUsage(0) error = %v", err)
		}

		total, err := st.MonthTokens(ctx, orgB, time.Now())
		if err != nil {
			t.Fatalf("MonthTokens() error = %v", err)
		}
		if total != 2000 {
			t.Errorf("MonthTokens() = %d, want 2000", total)
		}

		// Other tenants' usage is invisible.
		totalA, err := st.MonthTokens(ctx, orgA, time.Now())
		if err != nil {
			t.Fatalf("MonthTokens() error = %v", err)
		}
		if totalA != 0 {
			t.Errorf("MonthTokens(orgA) = %d, want 0", totalA)
		}
	})
}
