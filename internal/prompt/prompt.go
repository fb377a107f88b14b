// Package prompt assembles the grounded message list sent to the model:
// a system message with fixed grounding rules and numbered source
// blocks, a bounded window of conversation history, and the user query
// last.
package prompt

import (
	"fmt"
	"strings"

	"github.com/quarry-ai/quarry/internal/rerank"
	"github.com/quarry-ai/quarry/internal/vector"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// historyWindow bounds prompt size to the last 3 exchanges (6 messages).
// Changing this changes answer quality; treat it as part of the contract.
const historyWindow = 6

// DefaultOrgName is used when the tenant has no display name.
const DefaultOrgName = "your organization"

// NoSourcesResponse is the fixed refusal returned when retrieval finds
// nothing to ground an answer on. The model is never called in that case.
const NoSourcesResponse = "I don't have enough information in the available documents to answer this question. " +
	"You may want to contact your administrator for help."

// OffTopicResponse is the fixed refusal for requests outside the
// assistant's document-answering remit.
const OffTopicResponse = "I'm configured to answer questions about your organization's documents. " +
	"I can't help with that request."

const systemTemplate = `You are a helpful assistant for %s. Answer questions using ONLY the provided source documents. Follow these rules strictly:

1. Base every factual statement on the provided sources.
2. Cite sources using [1], [2], etc. corresponding to the numbered documents below.
3. If the sources don't contain enough information to answer, say:
   "I don't have enough information in the available documents to answer this question. You may want to contact your administrator for help."
4. Never fabricate information not present in the sources.
5. If a question is ambiguous, ask for clarification before answering.
6. Keep answers concise but complete. Use bullet points for lists.
7. When multiple sources agree, cite all of them.
8. Always respond in the same language the user writes in.`

// Message is one turn in the model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Build produces the full message list: system message (grounding rules
// plus numbered sources when candidates are non-empty), then the most
// recent history messages, then the query. Source numbering is 1-based
// and must match the citation indices derived later.
func Build(query string, candidates []rerank.Scored, orgName string, history []Message) []Message {
	if orgName == "" {
		orgName = DefaultOrgName
	}

	systemContent := fmt.Sprintf(systemTemplate, orgName)
	if len(candidates) > 0 {
		systemContent += "\n\nSources:\n" + formatSources(candidates)
	}

	messages := make([]Message, 0, 2+historyWindow)
	messages = append(messages, Message{Role: RoleSystem, Content: systemContent})

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages = append(messages, history...)

	return append(messages, Message{Role: RoleUser, Content: query})
}

// formatSources renders candidates as numbered blocks:
//
//	[1] (Employee Handbook, Page 4)
//	"quoted chunk text"
func formatSources(candidates []rerank.Scored) string {
	parts := make([]string, 0, len(candidates))
	for i, cand := range candidates {
		var label strings.Builder
		label.WriteString("(")
		label.WriteString(docName(cand.Metadata))
		if page, ok := pageNumber(cand.Metadata); ok {
			fmt.Fprintf(&label, ", Page %d", page)
		}
		label.WriteString(")")

		parts = append(parts, fmt.Sprintf("[%d] %s\n\"%s\"", i+1, label.String(), cand.Text))
	}
	return strings.Join(parts, "\n\n")
}

func docName(metadata map[string]any) string {
	if name, ok := metadata[vector.MetaDocName].(string); ok && name != "" {
		return name
	}
	return "Unknown Document"
}

// pageNumber tolerates both int and float64 values since metadata
// round-trips through JSON.
func pageNumber(metadata map[string]any) (int, bool) {
	switch v := metadata["page_number"].(type) {
	case int:
		if v > 0 {
			return v, true
		}
	case float64:
		if v > 0 {
			return int(v), true
		}
	}
	return 0, false
}
