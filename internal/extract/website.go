package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// maxWebsiteBody bounds how much of a remote page is read.
const maxWebsiteBody = 10 << 20

// Website fetches a web page and extracts its readable text. Boilerplate
// (navigation, ads, footers) is stripped by a readability pass; tables
// are re-extracted separately because readability tends to drop them.
type Website struct {
	client *http.Client
}

// NewWebsite creates a website extractor. client may be nil.
func NewWebsite(client *http.Client) *Website {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Website{client: client}
}

// Extract fetches ref and returns the page text as a single entry with
// the source URL in its metadata. A non-success status or a page with
// no extractable text is an error.
func (w *Website) Extract(ctx context.Context, ref string) ([]Entry, error) {
	pageURL, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", ref, err)
	}
	req.Header.Set("User-Agent", "quarry/1.0 (+document ingestion)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch URL %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("could not fetch URL %s: status %d", ref, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebsiteBody))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", ref, err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("could not extract text from %s: %w", ref, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if tables := extractTables(body); tables != "" {
		if text == "" {
			text = tables
		} else if !strings.Contains(text, tables) {
			text = text + "\n\n" + tables
		}
	}

	if text == "" {
		return nil, fmt.Errorf("%w: could not extract text from %s", ErrNoContent, ref)
	}

	return []Entry{{
		Text:     text,
		Metadata: map[string]any{MetaSourceURL: ref},
	}}, nil
}

// extractTables renders each HTML table as pipe-separated rows.
func extractTables(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var tables []string
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows []string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				if text := strings.TrimSpace(cell.Text()); text != "" {
					cells = append(cells, text)
				}
			})
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, " | "))
			}
		})
		if len(rows) > 0 {
			tables = append(tables, strings.Join(rows, "\n"))
		}
	})
	return strings.Join(tables, "\n\n")
}
