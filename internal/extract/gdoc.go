package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGDocBase = "https://docs.google.com"

// GDoc extracts Google Docs shared by link, using the plain text export
// endpoint. ref is the document id.
type GDoc struct {
	client  *http.Client
	baseURL string
}

// NewGDoc creates a Google Doc extractor. client may be nil.
func NewGDoc(client *http.Client) *GDoc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GDoc{client: client, baseURL: defaultGDocBase}
}

// SourceURL returns the canonical viewing URL for a document id.
func GDocSourceURL(docID string) string {
	return "https://docs.google.com/document/d/" + docID
}

// Extract fetches the document export and returns it as one entry.
func (g *GDoc) Extract(ctx context.Context, ref string) ([]Entry, error) {
	exportURL := fmt.Sprintf("%s/document/d/%s/export?format=txt", g.baseURL, ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for doc %s: %w", ref, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching Google Doc %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching Google Doc %s: status %d", ref, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebsiteBody))
	if err != nil {
		return nil, fmt.Errorf("reading Google Doc %s: %w", ref, err)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, fmt.Errorf("%w from Google Doc %s", ErrNoContent, ref)
	}

	return []Entry{{
		Text:     text,
		Metadata: map[string]any{MetaGDocID: ref},
	}}, nil
}
