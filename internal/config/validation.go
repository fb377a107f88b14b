package config

import (
	"fmt"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Provider validation. The gateway dispatches over a closed set, so an
	// unknown name must fail here rather than at request time.
	validProviders := []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogle}
	if !slices.Contains(validProviders, c.DefaultProvider) {
		return fmt.Errorf("%w: %q, must be one of: openai, anthropic, google",
			ErrInvalidProvider, c.DefaultProvider)
	}

	// The default provider needs a key; the others are validated lazily
	// when a request selects them.
	switch c.DefaultProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("%w: ANTHROPIC_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	case ProviderGoogle:
		if c.GoogleAPIKey == "" {
			return fmt.Errorf("%w: GOOGLE_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	}

	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 200_000 {
		return fmt.Errorf("%w: must be between 1 and 200,000, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	// Embedding validation
	if c.EmbeddingProvider != EmbeddingOpenAI && c.EmbeddingProvider != EmbeddingGoogle {
		return fmt.Errorf("%w: provider %q, must be one of: openai, google",
			ErrInvalidEmbedding, c.EmbeddingProvider)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding_model cannot be empty", ErrInvalidEmbedding)
	}
	if c.EmbeddingDimension < 1 || c.EmbeddingDimension > 4096 {
		return fmt.Errorf("%w: dimension must be between 1 and 4096, got %d",
			ErrInvalidEmbedding, c.EmbeddingDimension)
	}

	// Retrieval validation
	if c.RetrievalTopK < 1 || c.RetrievalTopK > 100 {
		return fmt.Errorf("%w: retrieval_top_k must be between 1 and 100, got %d", ErrInvalidTopK, c.RetrievalTopK)
	}
	if c.RerankTopK < 1 || c.RerankTopK > c.RetrievalTopK {
		return fmt.Errorf("%w: rerank_top_k must be between 1 and retrieval_top_k (%d), got %d",
			ErrInvalidTopK, c.RetrievalTopK, c.RerankTopK)
	}
	if c.RerankThreshold < 0 || c.RerankThreshold > 1 {
		return fmt.Errorf("%w: threshold must be between 0 and 1, got %.2f", ErrInvalidRerank, c.RerankThreshold)
	}
	if c.RerankEndpoint == "" {
		return fmt.Errorf("%w: rerank_endpoint cannot be empty", ErrInvalidRerank)
	}

	// Chunking validation. Overlap must leave room for forward progress.
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.IndexBatch < 1 {
		return fmt.Errorf("%w: index_batch must be positive, got %d", ErrInvalidChunking, c.IndexBatch)
	}

	// PostgreSQL validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgres)
	}
	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: ssl mode %q is not valid", ErrInvalidPostgres, c.PostgresSSLMode)
	}

	return nil
}
