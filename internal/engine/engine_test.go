package engine

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/quarry-ai/quarry/internal/llm"
	"github.com/quarry-ai/quarry/internal/prompt"
	"github.com/quarry-ai/quarry/internal/rerank"
	"github.com/quarry-ai/quarry/internal/store"
	"github.com/quarry-ai/quarry/internal/vector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockSearcher struct {
	candidates []vector.Candidate
	err        error
	calls      int
	lastQuery  string
	lastOrg    uuid.UUID
	lastTopK   int
}

func (m *mockSearcher) Search(_ context.Context, query string, orgID uuid.UUID, topK int) ([]vector.Candidate, error) {
	m.calls++
	m.lastQuery = query
	m.lastOrg = orgID
	m.lastTopK = topK
	return m.candidates, m.err
}

type mockReranker struct {
	scored []rerank.Scored
	err    error
	calls  int
}

func (m *mockReranker) Rerank(_ context.Context, _ string, _ []vector.Candidate, _ int) ([]rerank.Scored, error) {
	m.calls++
	return m.scored, m.err
}

type mockGateway struct {
	completion    *llm.Completion
	completeErr   error
	increments    []string
	streamErr     error
	completeCalls int
	streamCalls   int
	lastMessages  []prompt.Message
}

func (m *mockGateway) Complete(_ context.Context, messages []prompt.Message, _, _ string) (*llm.Completion, error) {
	m.completeCalls++
	m.lastMessages = messages
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return m.completion, nil
}

func (m *mockGateway) Stream(_ context.Context, messages []prompt.Message, _, _ string) iter.Seq2[string, error] {
	m.streamCalls++
	m.lastMessages = messages
	return func(yield func(string, error) bool) {
		for _, inc := range m.increments {
			if !yield(inc, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield("", m.streamErr)
		}
	}
}

type mockConversations struct {
	conversation *store.Conversation
	createErr    error
	history      []*store.Message
	getErr       error
	appendErr    error
	created      int
	getCalls     int
	appended     []*store.Message
}

func (m *mockConversations) CreateConversation(_ context.Context, orgID, userID uuid.UUID) (*store.Conversation, error) {
	m.created++
	if m.createErr != nil {
		return nil, m.createErr
	}
	if m.conversation == nil {
		m.conversation = &store.Conversation{ID: uuid.New(), OrgID: orgID, UserID: userID}
	}
	return m.conversation, nil
}

func (m *mockConversations) GetMessages(_ context.Context, _ uuid.UUID, _ int32) ([]*store.Message, error) {
	m.getCalls++
	return m.history, m.getErr
}

func (m *mockConversations) AppendMessage(_ context.Context, msg *store.Message) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, msg)
	return nil
}

func scoredChunk(text string, score float64, metadata map[string]any) rerank.Scored {
	return rerank.Scored{
		Candidate: vector.Candidate{
			ID:       uuid.NewString(),
			Text:     text,
			Metadata: metadata,
		},
		RerankScore: score,
	}
}

func testEngine(searcher *mockSearcher, reranker *mockReranker, gateway *mockGateway, conversations *mockConversations) *Engine {
	return New(searcher, reranker, gateway, conversations, 20, 5, nil)
}

func TestAnswerFullPipeline(t *testing.T) {
	orgID := uuid.New()
	docID := uuid.New()
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "vacation is 20 days"}}}
	reranker := &mockReranker{scored: []rerank.Scored{
		scoredChunk("vacation is 20 days", 0.91237, map[string]any{
			vector.MetaDocID:   docID.String(),
			vector.MetaDocName: "handbook.pdf",
			"page_number":      float64(3),
		}),
	}}
	gateway := &mockGateway{completion: &llm.Completion{Content: "You get 20 days [1].", Tokens: 42}}
	conversations := &mockConversations{}
	eng := testEngine(searcher, reranker, gateway, conversations)

	resp, err := eng.Answer(context.Background(), Request{
		Query:   "how much vacation?",
		OrgID:   orgID,
		UserID:  uuid.New(),
		OrgName: "Acme",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if searcher.lastOrg != orgID {
		t.Errorf("search org = %s, want %s", searcher.lastOrg, orgID)
	}
	if searcher.lastTopK != 20 {
		t.Errorf("search topK = %d, want 20", searcher.lastTopK)
	}
	if resp.Content != "You get 20 days [1]." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d, want 42", resp.TokensUsed)
	}
	if resp.Confidence != ConfidenceHigh {
		t.Errorf("Confidence = %q, want high", resp.Confidence)
	}
	if len(resp.Citations) != 1 {
		t.Fatalf("got %d citations, want 1", len(resp.Citations))
	}

	c := resp.Citations[0]
	if c.Index != 1 {
		t.Errorf("citation index = %d, want 1", c.Index)
	}
	if c.DocID != docID.String() {
		t.Errorf("citation doc_id = %q, want %s", c.DocID, docID)
	}
	if c.DocName != "handbook.pdf" {
		t.Errorf("citation doc_name = %q", c.DocName)
	}
	if c.PageNumber == nil || *c.PageNumber != 3 {
		t.Errorf("citation page_number = %v, want 3", c.PageNumber)
	}
	if c.Score != 0.9124 {
		t.Errorf("citation score = %v, want 0.9124", c.Score)
	}

	if conversations.created != 1 {
		t.Errorf("created %d conversations, want 1", conversations.created)
	}
	if resp.ConversationID != conversations.conversation.ID {
		t.Errorf("ConversationID = %s, want %s", resp.ConversationID, conversations.conversation.ID)
	}
	if len(conversations.appended) != 2 {
		t.Fatalf("appended %d messages, want 2", len(conversations.appended))
	}
	if conversations.appended[0].Role != store.RoleUser || conversations.appended[0].Content != "how much vacation?" {
		t.Errorf("first appended message = %+v, want the user turn", conversations.appended[0])
	}
	assistant := conversations.appended[1]
	if assistant.Role != store.RoleAssistant {
		t.Errorf("second appended role = %q, want assistant", assistant.Role)
	}
	if assistant.Confidence != ConfidenceHigh {
		t.Errorf("persisted confidence = %q, want high", assistant.Confidence)
	}
	if assistant.TokensUsed != 42 {
		t.Errorf("persisted tokens = %d, want 42", assistant.TokensUsed)
	}
	var persisted []Citation
	if err := json.Unmarshal(assistant.Citations, &persisted); err != nil {
		t.Fatalf("unmarshaling persisted citations: %v", err)
	}
	if len(persisted) != 1 || persisted[0].DocName != "handbook.pdf" {
		t.Errorf("persisted citations = %+v", persisted)
	}
	if resp.MessageID != assistant.ID {
		t.Errorf("MessageID = %s, want %s", resp.MessageID, assistant.ID)
	}
	if resp.LatencyMS != int64(assistant.LatencyMS) {
		t.Errorf("response latency %d differs from persisted latency %d", resp.LatencyMS, assistant.LatencyMS)
	}
}

func TestAnswerConfidenceTiers(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  string
	}{
		{"high at 0.9", 0.9, ConfidenceHigh},
		{"high at boundary", 0.8, ConfidenceHigh},
		{"medium at 0.6", 0.6, ConfidenceMedium},
		{"medium at boundary", 0.5, ConfidenceMedium},
		{"low at 0.3", 0.3, ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "text"}}}
			reranker := &mockReranker{scored: []rerank.Scored{scoredChunk("text", tt.score, nil)}}
			gateway := &mockGateway{completion: &llm.Completion{Content: "answer"}}
			eng := testEngine(searcher, reranker, gateway, &mockConversations{})

			resp, err := eng.Answer(context.Background(), Request{Query: "q", OrgID: uuid.New()})
			if err != nil {
				t.Fatalf("Answer() error = %v", err)
			}
			if resp.Confidence != tt.want {
				t.Errorf("Confidence = %q, want %q", resp.Confidence, tt.want)
			}
		})
	}
}

func TestAnswerNoResults(t *testing.T) {
	searcher := &mockSearcher{}
	gateway := &mockGateway{}
	conversations := &mockConversations{}
	eng := testEngine(searcher, &mockReranker{}, gateway, conversations)

	resp, err := eng.Answer(context.Background(), Request{Query: "anything?", OrgID: uuid.New()})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if resp.Content != prompt.NoSourcesResponse {
		t.Errorf("Content = %q, want the fixed refusal", resp.Content)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("got %d citations, want 0", len(resp.Citations))
	}
	if resp.Confidence != ConfidenceLow {
		t.Errorf("Confidence = %q, want low", resp.Confidence)
	}
	if resp.TokensUsed != 0 {
		t.Errorf("TokensUsed = %d, want 0", resp.TokensUsed)
	}
	if gateway.completeCalls != 0 {
		t.Errorf("gateway called %d times, want 0", gateway.completeCalls)
	}
	// The refusal is still a conversation turn.
	if len(conversations.appended) != 2 {
		t.Errorf("appended %d messages, want 2", len(conversations.appended))
	}
	if conversations.appended[1].Citations != nil {
		t.Errorf("refusal persisted with citations %s", conversations.appended[1].Citations)
	}
}

func TestAnswerRerankedToNothing(t *testing.T) {
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "off topic"}}}
	reranker := &mockReranker{scored: nil}
	gateway := &mockGateway{}
	eng := testEngine(searcher, reranker, gateway, &mockConversations{})

	resp, err := eng.Answer(context.Background(), Request{Query: "q", OrgID: uuid.New()})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Content != prompt.NoSourcesResponse {
		t.Errorf("Content = %q, want the fixed refusal", resp.Content)
	}
	if gateway.completeCalls != 0 {
		t.Errorf("gateway called %d times, want 0", gateway.completeCalls)
	}
}

func TestAnswerExistingConversationLoadsHistory(t *testing.T) {
	conversationID := uuid.New()
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "text"}}}
	reranker := &mockReranker{scored: []rerank.Scored{scoredChunk("text", 0.9, nil)}}
	gateway := &mockGateway{completion: &llm.Completion{Content: "answer"}}
	conversations := &mockConversations{history: []*store.Message{
		{Role: store.RoleUser, Content: "earlier question"},
		{Role: store.RoleAssistant, Content: "earlier answer"},
	}}
	eng := testEngine(searcher, reranker, gateway, conversations)

	resp, err := eng.Answer(context.Background(), Request{
		Query:          "follow up",
		OrgID:          uuid.New(),
		ConversationID: &conversationID,
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if conversations.created != 0 {
		t.Errorf("created %d conversations, want 0", conversations.created)
	}
	if conversations.getCalls != 1 {
		t.Errorf("history loaded %d times, want 1", conversations.getCalls)
	}
	if resp.ConversationID != conversationID {
		t.Errorf("ConversationID = %s, want %s", resp.ConversationID, conversationID)
	}

	var sawHistory bool
	for _, m := range gateway.lastMessages {
		if m.Content == "earlier answer" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("prompt did not include the loaded history")
	}
}

func TestAnswerStageErrors(t *testing.T) {
	wantErr := errors.New("backend down")
	chunk := scoredChunk("text", 0.9, nil)

	tests := []struct {
		name string
		eng  *Engine
	}{
		{
			"search error",
			testEngine(&mockSearcher{err: wantErr}, &mockReranker{}, &mockGateway{}, &mockConversations{}),
		},
		{
			"rerank error",
			testEngine(
				&mockSearcher{candidates: []vector.Candidate{{ID: "c1"}}},
				&mockReranker{err: wantErr}, &mockGateway{}, &mockConversations{}),
		},
		{
			"generation error",
			testEngine(
				&mockSearcher{candidates: []vector.Candidate{{ID: "c1"}}},
				&mockReranker{scored: []rerank.Scored{chunk}},
				&mockGateway{completeErr: wantErr}, &mockConversations{}),
		},
		{
			"persistence error",
			testEngine(
				&mockSearcher{candidates: []vector.Candidate{{ID: "c1"}}},
				&mockReranker{scored: []rerank.Scored{chunk}},
				&mockGateway{completion: &llm.Completion{Content: "answer"}},
				&mockConversations{appendErr: wantErr}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.eng.Answer(context.Background(), Request{Query: "q", OrgID: uuid.New()})
			if !errors.Is(err, wantErr) {
				t.Errorf("Answer() error = %v, want wrapped %v", err, wantErr)
			}
		})
	}
}

func TestAnswerSnippetTruncation(t *testing.T) {
	long := strings.Repeat("ab", 400)
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: long}}}
	reranker := &mockReranker{scored: []rerank.Scored{scoredChunk(long, 0.9, nil)}}
	gateway := &mockGateway{completion: &llm.Completion{Content: "answer"}}
	eng := testEngine(searcher, reranker, gateway, &mockConversations{})

	resp, err := eng.Answer(context.Background(), Request{Query: "q", OrgID: uuid.New()})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got := len([]rune(resp.Citations[0].Snippet)); got != snippetLimit {
		t.Errorf("snippet length = %d runes, want %d", got, snippetLimit)
	}
	if resp.Citations[0].DocName != "Unknown" {
		t.Errorf("doc_name = %q, want the Unknown fallback", resp.Citations[0].DocName)
	}
}

func TestAnswerStream(t *testing.T) {
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "text"}}}
	reranker := &mockReranker{scored: []rerank.Scored{
		scoredChunk("text", 0.9, map[string]any{vector.MetaDocName: "guide.pdf"}),
	}}
	gateway := &mockGateway{increments: []string{"Hel", "lo"}}
	conversations := &mockConversations{}
	eng := testEngine(searcher, reranker, gateway, conversations)

	var events []Event
	for ev, err := range eng.AnswerStream(context.Background(), Request{Query: "q", OrgID: uuid.New()}) {
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != EventContent || events[0].Content != "Hel" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != EventContent || events[1].Content != "lo" {
		t.Errorf("events[1] = %+v", events[1])
	}
	done := events[2]
	if done.Type != EventDone {
		t.Errorf("last event type = %q, want done", done.Type)
	}
	if len(done.Citations) != 1 || done.Citations[0].DocName != "guide.pdf" {
		t.Errorf("done citations = %+v", done.Citations)
	}

	// Streaming is stateless: nothing is persisted or loaded.
	if conversations.created != 0 || len(conversations.appended) != 0 || conversations.getCalls != 0 {
		t.Errorf("streaming touched the conversation store: %+v", conversations)
	}
}

func TestAnswerStreamNoResults(t *testing.T) {
	gateway := &mockGateway{}
	eng := testEngine(&mockSearcher{}, &mockReranker{}, gateway, &mockConversations{})

	var events []Event
	for ev, err := range eng.AnswerStream(context.Background(), Request{Query: "q", OrgID: uuid.New()}) {
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Content != prompt.NoSourcesResponse {
		t.Errorf("events[0].Content = %q, want the fixed refusal", events[0].Content)
	}
	if events[1].Type != EventDone || len(events[1].Citations) != 0 {
		t.Errorf("events[1] = %+v, want empty done", events[1])
	}
	if events[1].Citations == nil {
		t.Error("done event citations are nil, want an empty slice")
	}
	if gateway.streamCalls != 0 {
		t.Errorf("gateway streamed %d times, want 0", gateway.streamCalls)
	}
}

func TestStreamEventWireFormat(t *testing.T) {
	searcher := &mockSearcher{}
	eng := testEngine(searcher, &mockReranker{}, &mockGateway{}, &mockConversations{})

	var frames []string
	for ev, err := range eng.AnswerStream(context.Background(), Request{Query: "q", OrgID: uuid.New()}) {
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshaling event: %v", err)
		}
		frames = append(frames, string(raw))
	}

	want := []string{
		`{"type":"content","content":` + strconv.Quote(prompt.NoSourcesResponse) + `}`,
		`{"type":"done","citations":[]}`,
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %s, want %s", i, frames[i], want[i])
		}
	}
}

func TestAnswerStreamMidError(t *testing.T) {
	wantErr := errors.New("provider reset")
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "text"}}}
	reranker := &mockReranker{scored: []rerank.Scored{scoredChunk("text", 0.9, nil)}}
	gateway := &mockGateway{increments: []string{"partial"}, streamErr: wantErr}
	eng := testEngine(searcher, reranker, gateway, &mockConversations{})

	var (
		contents []string
		gotErr   error
	)
	for ev, err := range eng.AnswerStream(context.Background(), Request{Query: "q", OrgID: uuid.New()}) {
		if err != nil {
			gotErr = err
			break
		}
		contents = append(contents, ev.Content)
	}

	if len(contents) != 1 || contents[0] != "partial" {
		t.Errorf("contents before error = %v, want [partial]", contents)
	}
	if !errors.Is(gotErr, wantErr) {
		t.Errorf("stream error = %v, want wrapped %v", gotErr, wantErr)
	}
}

func TestAnswerStreamOmitsHistory(t *testing.T) {
	conversationID := uuid.New()
	searcher := &mockSearcher{candidates: []vector.Candidate{{ID: "c1", Text: "text"}}}
	reranker := &mockReranker{scored: []rerank.Scored{scoredChunk("text", 0.9, nil)}}
	gateway := &mockGateway{increments: []string{"hi"}}
	conversations := &mockConversations{history: []*store.Message{
		{Role: store.RoleUser, Content: "earlier question"},
	}}
	eng := testEngine(searcher, reranker, gateway, conversations)

	for _, err := range eng.AnswerStream(context.Background(), Request{
		Query:          "q",
		OrgID:          uuid.New(),
		ConversationID: &conversationID,
	}) {
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
	}

	if conversations.getCalls != 0 {
		t.Errorf("history loaded %d times, want 0", conversations.getCalls)
	}
	for _, m := range gateway.lastMessages {
		if m.Content == "earlier question" {
			t.Error("streaming prompt included history")
		}
	}
}

func TestDeriveConfidenceUsesBestScore(t *testing.T) {
	chunks := []rerank.Scored{
		scoredChunk("a", 0.4, nil),
		scoredChunk("b", 0.85, nil),
		scoredChunk("c", 0.6, nil),
	}
	if got := deriveConfidence(chunks); got != ConfidenceHigh {
		t.Errorf("deriveConfidence() = %q, want high", got)
	}
	if got := deriveConfidence(nil); got != ConfidenceLow {
		t.Errorf("deriveConfidence(nil) = %q, want low", got)
	}
}

func TestBuildCitationsSourceURL(t *testing.T) {
	url := "https://example.com/policies"
	citations := buildCitations([]rerank.Scored{
		scoredChunk("text", 0.5, map[string]any{
			vector.MetaDocName: "policies",
			"source_url":       url,
		}),
	})
	if citations[0].SourceURL == nil || *citations[0].SourceURL != url {
		t.Errorf("source_url = %v, want %s", citations[0].SourceURL, url)
	}
	if citations[0].PageNumber != nil {
		t.Errorf("page_number = %v, want nil", citations[0].PageNumber)
	}
}
