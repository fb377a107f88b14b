// Package rerank re-scores retrieved candidates with a cross-encoder
// relevance model. Vector similarity is a coarse recall mechanism; the
// cross-encoder scores each query-passage pair directly and acts as the
// precision gate in front of prompt construction.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/quarry-ai/quarry/internal/vector"
)

// Scored is a retrieved candidate with its cross-encoder score.
type Scored struct {
	vector.Candidate
	RerankScore float64
}

// Reranker filters and reorders candidates by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []vector.Candidate, topK int) ([]Scored, error)
}

// Lazy defers construction of a Reranker until first use, sharing the
// instance across all subsequent calls. Mirrors the embedding side: the
// model service handle is expensive to validate and must be built
// exactly once under concurrency.
type Lazy struct {
	build func() (Reranker, error)

	once sync.Once
	r    Reranker
	err  error
}

// NewLazy wraps a constructor in a lazily-initialized shared handle.
func NewLazy(build func() (Reranker, error)) *Lazy {
	return &Lazy{build: build}
}

// Rerank implements Reranker.
func (l *Lazy) Rerank(ctx context.Context, query string, candidates []vector.Candidate, topK int) ([]Scored, error) {
	l.once.Do(func() {
		l.r, l.err = l.build()
	})
	if l.err != nil {
		return nil, fmt.Errorf("initializing reranker: %w", l.err)
	}
	return l.r.Rerank(ctx, query, candidates, topK)
}

// Client calls a cross-encoder inference service over HTTP. The service
// accepts a query and a list of passages and returns one relevance
// score per passage.
type Client struct {
	endpoint  string
	threshold float64
	http      *http.Client
}

// NewClient creates a reranker backed by the service at endpoint.
// Candidates scoring below threshold are discarded. httpClient may be
// nil.
func NewClient(endpoint string, threshold float64, httpClient *http.Client) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rerank endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:  endpoint,
		threshold: threshold,
		http:      httpClient,
	}, nil
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores every candidate against the query, sorts descending by
// score, drops candidates below the threshold, and truncates to topK.
// Empty input returns empty output without calling the service.
func (c *Client) Rerank(ctx context.Context, query string, candidates []vector.Candidate, topK int) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Text
	}

	results, err := c.score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(candidates))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank service returned index %d for %d candidates", res.Index, len(candidates))
		}
		scored = append(scored, Scored{
			Candidate:   candidates[res.Index],
			RerankScore: res.Score,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	filtered := scored[:0]
	for _, s := range scored {
		if s.RerankScore >= c.threshold {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

func (c *Client) score(ctx context.Context, query string, texts []string) ([]rerankResult, error) {
	payload, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling rerank service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service error: status %d: %s", resp.StatusCode, body)
	}

	var results []rerankResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("rerank service returned %d scores for %d texts", len(results), len(texts))
	}
	return results, nil
}
