// Package app wires configuration into a running service: connection
// pool, migrations, stores, pipelines, engine, and HTTP server. Each
// component is constructed by its own provider function so the
// dependency order stays explicit.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarry-ai/quarry/db"
	"github.com/quarry-ai/quarry/internal/api"
	"github.com/quarry-ai/quarry/internal/chunk"
	"github.com/quarry-ai/quarry/internal/config"
	"github.com/quarry-ai/quarry/internal/engine"
	"github.com/quarry-ai/quarry/internal/extract"
	"github.com/quarry-ai/quarry/internal/ingest"
	"github.com/quarry-ai/quarry/internal/llm"
	"github.com/quarry-ai/quarry/internal/log"
	"github.com/quarry-ai/quarry/internal/rerank"
	"github.com/quarry-ai/quarry/internal/store"
	"github.com/quarry-ai/quarry/internal/vector"
)

// remoteFetchTimeout bounds website, Google Doc, and Notion fetches
// during ingestion.
const remoteFetchTimeout = 30 * time.Second

// App holds the assembled components of a running service.
type App struct {
	Config   *config.Config
	Logger   log.Logger
	Pool     *pgxpool.Pool
	Store    *store.Store
	Vector   *vector.Store
	Pipeline *ingest.Pipeline
	Engine   *engine.Engine
	Server   *api.Server
}

// Setup builds the full component graph. The returned cleanup function
// releases everything acquired so far; on error it has already been
// called.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, func(), error) {
	if logger == nil {
		logger = log.New(log.Config{})
	}

	pool, cleanup, err := providePool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st := store.New(pool, logger)

	querier := vector.NewPGQuerier(pool)
	if err := checkEmbeddingDimension(ctx, querier, cfg.EmbeddingDimension); err != nil {
		cleanup()
		return nil, nil, err
	}

	embedder := vector.NewLazy(func() (vector.Embedder, error) {
		return buildEmbedder(ctx, cfg)
	})
	vec := vector.New(querier, embedder, cfg.IndexBatch, logger)

	reranker := rerank.NewLazy(func() (rerank.Reranker, error) {
		return rerank.NewClient(cfg.RerankEndpoint, cfg.RerankThreshold, nil)
	})

	gateway, err := provideGateway(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	pipeline := ingest.New(
		provideExtractors(cfg),
		chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		vec, st, logger)

	eng := engine.New(vec, reranker, gateway, st, cfg.RetrievalTopK, cfg.RerankTopK, logger)

	server, err := api.NewServer(api.ServerConfig{
		Logger:        logger,
		Engine:        eng,
		Pipeline:      pipeline,
		Documents:     st,
		Orgs:          st,
		Chunks:        vec,
		Pool:          pool,
		RatePerMinute: cfg.RatePerMinute,
		TokenBudget:   cfg.MonthlyTokenBudget,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("building API server: %w", err)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Store:    st,
		Vector:   vec,
		Pipeline: pipeline,
		Engine:   eng,
		Server:   server,
	}, cleanup, nil
}

// providePool runs migrations, then creates the connection pool with
// pgvector types registered on every connection.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.AfterConnect = vector.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// dimensionReader is the slice of the querier the startup check needs.
type dimensionReader interface {
	EmbeddingDimension(ctx context.Context) (int, error)
}

// checkEmbeddingDimension fails startup when the configured embedding
// dimension disagrees with the chunks schema. Without this check the
// mismatch only surfaces at the first upsert.
func checkEmbeddingDimension(ctx context.Context, q dimensionReader, want int) error {
	got, err := q.EmbeddingDimension(ctx)
	if err != nil {
		return err
	}
	if got > 0 && got != want {
		return fmt.Errorf("configured embedding dimension %d does not match the chunks schema dimension %d", want, got)
	}
	return nil
}

// buildEmbedder constructs the configured embedding client. Called
// lazily on first embed so the service starts without provider
// credentials for workloads that never touch the index.
func buildEmbedder(ctx context.Context, cfg *config.Config) (vector.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.EmbeddingGoogle:
		return vector.NewGoogleEmbedder(ctx, cfg.GoogleAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	default:
		return vector.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	}
}

// provideGateway builds the LLM gateway over every provider with a
// configured API key.
func provideGateway(ctx context.Context, cfg *config.Config) (*llm.Gateway, error) {
	providers := make(map[string]llm.Provider)

	if cfg.OpenAIAPIKey != "" {
		p, err := llm.NewOpenAI(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("building OpenAI provider: %w", err)
		}
		providers[llm.ProviderOpenAI] = p
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := llm.NewAnthropic(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("building Anthropic provider: %w", err)
		}
		providers[llm.ProviderAnthropic] = p
	}
	if cfg.GoogleAPIKey != "" {
		p, err := llm.NewGoogle(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("building Google provider: %w", err)
		}
		providers[llm.ProviderGoogle] = p
	}

	gateway, err := llm.New(providers, cfg.DefaultProvider, map[string]string{
		llm.ProviderOpenAI:    cfg.OpenAIModel,
		llm.ProviderAnthropic: cfg.AnthropicModel,
		llm.ProviderGoogle:    cfg.GoogleModel,
	}, cfg.Temperature, cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("building LLM gateway: %w", err)
	}
	return gateway, nil
}

// provideExtractors assembles the source-type registry. Notion is only
// registered when its integration token is configured.
func provideExtractors(cfg *config.Config) extract.Registry {
	client := &http.Client{Timeout: remoteFetchTimeout}

	registry := extract.Registry{
		store.SourcePDF:     extract.NewPDF(),
		store.SourceCSV:     extract.NewCSV(),
		store.SourceTXT:     extract.NewText(),
		store.SourceDOCX:    extract.NewDocx(),
		store.SourceXLSX:    extract.NewXlsx(),
		store.SourceWebsite: extract.NewWebsite(client),
		store.SourceGDoc:    extract.NewGDoc(client),
	}

	if cfg.NotionAPIToken != "" {
		if notion, err := extract.NewNotion(client, cfg.NotionAPIToken); err == nil {
			registry[store.SourceNotion] = notion
		}
	}

	return registry
}
