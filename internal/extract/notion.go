package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultNotionBase = "https://api.notion.com"
	notionAPIVersion  = "2022-06-28"
)

// Notion extracts wiki pages through the Notion block API. ref is the
// page id; the extractor walks the page's child blocks and concatenates
// their rich text.
type Notion struct {
	client  *http.Client
	token   string
	baseURL string
}

// NewNotion creates a Notion extractor. The integration token is
// required; client may be nil.
func NewNotion(client *http.Client, token string) (*Notion, error) {
	if token == "" {
		return nil, fmt.Errorf("notion API token is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notion{client: client, token: token, baseURL: defaultNotionBase}, nil
}

// NotionSourceURL returns the public URL form of a page id.
func NotionSourceURL(pageID string) string {
	return "https://notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

type notionBlockContent struct {
	RichText []struct {
		PlainText string `json:"plain_text"`
	} `json:"rich_text"`
}

// Extract fetches the page's blocks, following pagination, and returns
// the joined text as one entry.
func (n *Notion) Extract(ctx context.Context, ref string) ([]Entry, error) {
	var texts []string
	cursor := ""

	for {
		page, err := n.fetchBlocks(ctx, ref, cursor)
		if err != nil {
			return nil, err
		}

		for _, raw := range page.rawResults {
			texts = append(texts, blockTexts(raw)...)
		}

		if !page.hasMore {
			break
		}
		cursor = page.nextCursor
	}

	text := strings.TrimSpace(strings.Join(texts, "\n"))
	if text == "" {
		return nil, fmt.Errorf("%w in Notion page %s", ErrNoContent, ref)
	}

	return []Entry{{
		Text:     text,
		Metadata: map[string]any{MetaNotionPageID: ref},
	}}, nil
}

type notionPage struct {
	rawResults []json.RawMessage
	hasMore    bool
	nextCursor string
}

func (n *Notion) fetchBlocks(ctx context.Context, pageID, cursor string) (*notionPage, error) {
	url := fmt.Sprintf("%s/v1/blocks/%s/children?page_size=100", n.baseURL, pageID)
	if cursor != "" {
		url += "&start_cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building Notion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Notion-Version", notionAPIVersion)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching Notion page %s: %w", pageID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebsiteBody))
	if err != nil {
		return nil, fmt.Errorf("reading Notion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Notion API error for page %s: status %d", pageID, resp.StatusCode)
	}

	var parsed struct {
		Results    []json.RawMessage `json:"results"`
		HasMore    bool              `json:"has_more"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing Notion response: %w", err)
	}

	return &notionPage{
		rawResults: parsed.Results,
		hasMore:    parsed.HasMore,
		nextCursor: parsed.NextCursor,
	}, nil
}

// blockTexts pulls the plain text runs out of one block, whatever its
// type: the payload always sits under a key named after the type and
// carries a rich_text array for textual blocks.
func blockTexts(raw json.RawMessage) []string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}

	var blockType string
	if err := json.Unmarshal(envelope["type"], &blockType); err != nil || blockType == "" {
		return nil
	}

	payload, ok := envelope[blockType]
	if !ok {
		return nil
	}

	var content notionBlockContent
	if err := json.Unmarshal(payload, &content); err != nil {
		return nil
	}

	var texts []string
	for _, rt := range content.RichText {
		if strings.TrimSpace(rt.PlainText) != "" {
			texts = append(texts, rt.PlainText)
		}
	}
	return texts
}
