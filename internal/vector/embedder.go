package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"google.golang.org/genai"
)

// Embedder turns texts into embedding vectors. Implementations must be
// safe for concurrent use; every search and upsert goes through one.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Lazy defers construction of an expensive Embedder until first use and
// then shares the one instance for the process lifetime. Construction is
// guarded so concurrent first calls build it exactly once.
type Lazy struct {
	build func() (Embedder, error)

	once sync.Once
	e    Embedder
	err  error
}

// NewLazy wraps a constructor in a lazily-initialized shared handle.
func NewLazy(build func() (Embedder, error)) *Lazy {
	return &Lazy{build: build}
}

// Embed acquires the shared embedder, constructing it on first call.
// A failed construction is sticky: callers get the same error until the
// process restarts, mirroring how a misconfigured model cannot heal.
func (l *Lazy) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	l.once.Do(func() {
		l.e, l.err = l.build()
	})
	if l.err != nil {
		return nil, fmt.Errorf("initializing embedder: %w", l.err)
	}
	return l.e.Embed(ctx, texts)
}

// OpenAIEmbedder embeds through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIEmbedder creates an embedder for the given model and output
// dimension (e.g. text-embedding-3-small, 1536).
func NewOpenAIEmbedder(apiKey, model string, dimension int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: api key is required")
	}
	return &OpenAIEmbedder{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		dimension: dimension,
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(e.model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(e.dimension)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// GoogleEmbedder embeds through the Gemini embedding API.
type GoogleEmbedder struct {
	client    *genai.Client
	model     string
	dimension int32
}

// NewGoogleEmbedder creates an embedder for the given Gemini embedding
// model. The output is truncated to dimension via OutputDimensionality.
func NewGoogleEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GoogleEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google embedder: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google embedder: creating client: %w", err)
	}
	return &GoogleEmbedder{
		client:    client,
		model:     model,
		dimension: int32(dimension), //nolint:gosec // dimension validated <= 4096 in config
	}, nil
}

// Embed implements Embedder.
func (e *GoogleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(e.dimension),
	})
	if err != nil {
		return nil, fmt.Errorf("google embedding: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("google embedding: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
