package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGDocExtract(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte("Quarterly planning doc.\n"))
	}))
	defer server.Close()

	g := NewGDoc(server.Client())
	g.baseURL = server.URL

	entries, err := g.Extract(context.Background(), "doc-123")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if gotPath != "/document/d/doc-123/export?format=txt" {
		t.Errorf("requested %q, want export path", gotPath)
	}
	if len(entries) != 1 || entries[0].Text != "Quarterly planning doc." {
		t.Errorf("entries = %+v", entries)
	}
	if got := entries[0].Metadata[MetaGDocID]; got != "doc-123" {
		t.Errorf("gdoc_id = %v, want doc-123", got)
	}
}

func TestGDocExtractForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	g := NewGDoc(server.Client())
	g.baseURL = server.URL

	_, err := g.Extract(context.Background(), "private-doc")
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("Extract() error = %v, want status 403 mention", err)
	}
}

const notionBlocksJSON = `{
  "results": [
    {"type": "heading_1", "heading_1": {"rich_text": [{"plain_text": "Release process"}]}},
    {"type": "paragraph", "paragraph": {"rich_text": [
      {"plain_text": "Tag the release"},
      {"plain_text": " and push."}
    ]}},
    {"type": "divider", "divider": {}},
    {"type": "paragraph", "paragraph": {"rich_text": [{"plain_text": "  "}]}}
  ],
  "has_more": false,
  "next_cursor": null
}`

func TestNotionExtract(t *testing.T) {
	var gotAuth, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Notion-Version")
		_, _ = w.Write([]byte(notionBlocksJSON))
	}))
	defer server.Close()

	n, err := NewNotion(server.Client(), "secret-token")
	if err != nil {
		t.Fatalf("NewNotion() error = %v", err)
	}
	n.baseURL = server.URL

	entries, err := n.Extract(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotVersion != notionAPIVersion {
		t.Errorf("Notion-Version = %q, want %q", gotVersion, notionAPIVersion)
	}

	want := "Release process\nTag the release\n and push."
	if len(entries) != 1 || entries[0].Text != want {
		t.Errorf("entries[0].Text = %q, want %q", entries[0].Text, want)
	}
	if got := entries[0].Metadata[MetaNotionPageID]; got != "page-1" {
		t.Errorf("notion_page_id = %v, want page-1", got)
	}
}

func TestNotionExtractPagination(t *testing.T) {
	pages := []string{
		`{"results": [{"type": "paragraph", "paragraph": {"rich_text": [{"plain_text": "First half."}]}}],
		  "has_more": true, "next_cursor": "cur-2"}`,
		`{"results": [{"type": "paragraph", "paragraph": {"rich_text": [{"plain_text": "Second half."}]}}],
		  "has_more": false, "next_cursor": null}`,
	}
	var cursors []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors = append(cursors, r.URL.Query().Get("start_cursor"))
		page := pages[0]
		if len(cursors) > 1 {
			page = pages[1]
		}
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	n, err := NewNotion(server.Client(), "secret-token")
	if err != nil {
		t.Fatalf("NewNotion() error = %v", err)
	}
	n.baseURL = server.URL

	entries, err := n.Extract(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "cur-2" {
		t.Errorf("cursors = %v, want [\"\", \"cur-2\"]", cursors)
	}
	if entries[0].Text != "First half.\nSecond half." {
		t.Errorf("entries[0].Text = %q", entries[0].Text)
	}
}

func TestNotionExtractEmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": [], "has_more": false, "next_cursor": null}`))
	}))
	defer server.Close()

	n, err := NewNotion(server.Client(), "secret-token")
	if err != nil {
		t.Fatalf("NewNotion() error = %v", err)
	}
	n.baseURL = server.URL

	_, err = n.Extract(context.Background(), "blank-page")
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("Extract() error = %v, want ErrNoContent", err)
	}
}

func TestNotionRequiresToken(t *testing.T) {
	if _, err := NewNotion(nil, ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestNotionSourceURL(t *testing.T) {
	got := NotionSourceURL("ab-cd-ef")
	if got != "https://notion.so/abcdef" {
		t.Errorf("NotionSourceURL = %q", got)
	}
}

func TestGDocSourceURL(t *testing.T) {
	got := GDocSourceURL("doc-9")
	if got != "https://docs.google.com/document/d/doc-9" {
		t.Errorf("GDocSourceURL = %q", got)
	}
}
