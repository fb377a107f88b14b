// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml or /etc/quarry/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - LLM: default provider, per-provider model defaults, generation knobs
//   - Embedding: provider, model, vector dimension
//   - Retrieval: top-k values, rerank endpoint and threshold
//   - Ingestion: chunk size/overlap, index batch size
//   - Storage: PostgreSQL connection (see storage.go)
//   - Server: listen address, rate limiting, token budgets
//
// Secrets (API keys, database password) are read from the environment
// only and masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the LLM provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidChunking indicates chunk size/overlap values are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates a retrieval top-k value is out of range.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidRerank indicates the rerank configuration is invalid.
	ErrInvalidRerank = errors.New("invalid rerank configuration")

	// ErrInvalidEmbedding indicates the embedding configuration is invalid.
	ErrInvalidEmbedding = errors.New("invalid embedding configuration")

	// ErrInvalidPostgres indicates the PostgreSQL configuration is invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")
)

// LLM provider identifiers used in Config.DefaultProvider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Embedding provider identifiers used in Config.EmbeddingProvider.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingGoogle = "google"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// LLM provider configuration
	DefaultProvider string  `mapstructure:"default_provider" json:"default_provider"`
	OpenAIModel     string  `mapstructure:"openai_model" json:"openai_model"`
	AnthropicModel  string  `mapstructure:"anthropic_model" json:"anthropic_model"`
	GoogleModel     string  `mapstructure:"google_model" json:"google_model"`
	Temperature     float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Provider API keys (environment only)
	OpenAIAPIKey    string `mapstructure:"openai_api_key" json:"openai_api_key"`       // SENSITIVE: masked in MarshalJSON
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" json:"anthropic_api_key"` // SENSITIVE: masked in MarshalJSON
	GoogleAPIKey    string `mapstructure:"google_api_key" json:"google_api_key"`       // SENSITIVE: masked in MarshalJSON

	// Embedding configuration
	EmbeddingProvider  string `mapstructure:"embedding_provider" json:"embedding_provider"`
	EmbeddingModel     string `mapstructure:"embedding_model" json:"embedding_model"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`

	// Retrieval configuration
	RetrievalTopK   int     `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	RerankTopK      int     `mapstructure:"rerank_top_k" json:"rerank_top_k"`
	RerankThreshold float64 `mapstructure:"rerank_threshold" json:"rerank_threshold"`
	RerankEndpoint  string  `mapstructure:"rerank_endpoint" json:"rerank_endpoint"`

	// Ingestion configuration
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	IndexBatch   int `mapstructure:"index_batch" json:"index_batch"`

	// Integration tokens (environment only)
	NotionAPIToken string `mapstructure:"notion_api_token" json:"notion_api_token"` // SENSITIVE: masked in MarshalJSON

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration
	ListenAddr         string `mapstructure:"listen_addr" json:"listen_addr"`
	RatePerMinute      int    `mapstructure:"rate_per_minute" json:"rate_per_minute"`
	MonthlyTokenBudget int64  `mapstructure:"monthly_token_budget" json:"monthly_token_budget"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/quarry")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{".", "/etc/quarry"},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// LLM defaults
	viper.SetDefault("default_provider", ProviderOpenAI)
	viper.SetDefault("openai_model", "gpt-4o-mini")
	viper.SetDefault("anthropic_model", "claude-3-5-sonnet-20241022")
	viper.SetDefault("google_model", "gemini-1.5-flash")
	viper.SetDefault("temperature", 0.1)
	viper.SetDefault("max_tokens", 2048)

	// Embedding defaults
	viper.SetDefault("embedding_provider", EmbeddingOpenAI)
	viper.SetDefault("embedding_model", "text-embedding-3-small")
	viper.SetDefault("embedding_dimension", 1536)

	// Retrieval defaults
	viper.SetDefault("retrieval_top_k", 20)
	viper.SetDefault("rerank_top_k", 5)
	viper.SetDefault("rerank_threshold", 0.25)
	viper.SetDefault("rerank_endpoint", "http://localhost:8787")

	// Ingestion defaults
	viper.SetDefault("chunk_size", 512)
	viper.SetDefault("chunk_overlap", 64)
	viper.SetDefault("index_batch", 100)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "quarry")
	viper.SetDefault("postgres_password", "quarry_dev_password")
	viper.SetDefault("postgres_db_name", "quarry")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	viper.SetDefault("listen_addr", "127.0.0.1:8080")
	viper.SetDefault("rate_per_minute", 30)
	viper.SetDefault("monthly_token_budget", 10_000_000)
}

// bindEnvVariables binds secret environment variables explicitly.
// Non-secret settings are overridable through QUARRY_* automatic env.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a programming bug.
	mustBind := func(key string, env string) {
		if err := viper.BindEnv(key, env); err != nil {
			panic(fmt.Sprintf("config: binding %s: %v", env, err))
		}
	}

	mustBind("openai_api_key", "OPENAI_API_KEY")
	mustBind("anthropic_api_key", "ANTHROPIC_API_KEY")
	mustBind("google_api_key", "GOOGLE_API_KEY")
	mustBind("notion_api_token", "NOTION_API_TOKEN")
	mustBind("postgres_password", "QUARRY_POSTGRES_PASSWORD")
	mustBind("rerank_endpoint", "QUARRY_RERANK_ENDPOINT")
	mustBind("listen_addr", "QUARRY_LISTEN_ADDR")

	viper.SetEnvPrefix("QUARRY")
	viper.AutomaticEnv()
}

// MarshalJSON masks sensitive fields so configuration can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)

	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	masked.OpenAIAPIKey = mask(masked.OpenAIAPIKey)
	masked.AnthropicAPIKey = mask(masked.AnthropicAPIKey)
	masked.GoogleAPIKey = mask(masked.GoogleAPIKey)
	masked.NotionAPIToken = mask(masked.NotionAPIToken)
	masked.PostgresPassword = mask(masked.PostgresPassword)

	return json.Marshal(masked)
}

// ProviderModel returns the configured default model for the given provider.
func (c *Config) ProviderModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return c.AnthropicModel
	case ProviderGoogle:
		return c.GoogleModel
	default:
		return c.OpenAIModel
	}
}
