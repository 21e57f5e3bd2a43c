// Package config loads configuration from the models.yml file merged with
// environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderDeepSeek  = "deepseek"
	ProviderMoonshot  = "moonshot"
)

var validProviders = map[string]bool{
	ProviderOllama:    true,
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderGoogle:    true,
	ProviderDeepSeek:  true,
	ProviderMoonshot:  true,
}

// Error reports an invalid or incomplete configuration. Startup treats any
// Error as fatal.
type Error struct {
	Section string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config [%s]: %s", e.Section, e.Reason)
}

// LLMConfig configures the answer-generating LLM.
type LLMConfig struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	BaseURL       string  `yaml:"base_url"`
	Timeout       float64 `yaml:"timeout"` // seconds
	KeepAlive     string  `yaml:"keep_alive"`
	ContextWindow int     `yaml:"context_window"` // tokens, 0 = unknown
	APIKey        string  `yaml:"-"`              // injected from LLM_API_KEY, never from YAML
}

// RequestTimeout returns the LLM call timeout (default 120s).
func (c LLMConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Timeout * float64(time.Second))
}

// MemoryTokenBudget returns the chat history budget: half the context window
// when it is known, otherwise 3000 tokens.
func (c LLMConfig) MemoryTokenBudget() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow / 2
	}
	return 3000
}

// EmbeddingConfig configures the embedding model endpoint.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// EvalConfig configures the model used as the evaluation judge. The core
// never calls it at runtime; it is resolved here so the external evaluator
// and /models endpoints share one registry.
type EvalConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"-"` // injected from ANTHROPIC_API_KEY
}

// RerankerConfig configures the cross-encoder reranking stage.
type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	// TopN caps how many chunks survive reranking. Zero derives it from the
	// retrieval top_k as max(5, top_k/2).
	TopN int `yaml:"top_n"`
}

// RetrievalConfig configures candidate retrieval.
type RetrievalConfig struct {
	TopK                      int  `yaml:"top_k"`
	EnableHybridSearch        bool `yaml:"enable_hybrid_search"`
	RRFK                      int  `yaml:"rrf_k"`
	EnableContextualRetrieval bool `yaml:"enable_contextual_retrieval"`
}

// Env holds process-level settings and secrets sourced from the environment.
type Env struct {
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	QdrantGRPCURL string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`
	DoclingURL    string `env:"DOCLING_URL" envDefault:"http://localhost:5001"`

	LLMAPIKey       string `env:"LLM_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	MaxUploadSizeMB   int    `env:"MAX_UPLOAD_SIZE" envDefault:"80"`
	StorageRoot       string `env:"DOCUMENT_STORAGE_PATH" envDefault:"/data/documents"`
	UploadTempDir     string `env:"UPLOAD_TEMP_DIR" envDefault:"/tmp/ragserver-uploads"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"2"`

	ProgressTTL time.Duration `env:"PROGRESS_TTL" envDefault:"1h"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

// Config is the full, validated configuration for the process. There is no
// hot reload; callers treat it as read-only after Load.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Eval      EvalConfig      `yaml:"eval"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`

	Env Env `yaml:"-"`
}

// Load reads models.yml from path, merges environment secrets, applies
// defaults, and validates fail-fast.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Section: "file", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	cfg := &Config{
		Reranker: RerankerConfig{
			Enabled: true,
			Model:   "cross-encoder/ms-marco-MiniLM-L-6-v2",
		},
		Retrieval: RetrievalConfig{
			TopK:               10,
			EnableHybridSearch: true,
			RRFK:               60,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Section: "file", Reason: fmt.Sprintf("invalid YAML in %s: %v", path, err)}
	}

	if err := env.Parse(&cfg.Env); err != nil {
		return nil, &Error{Section: "env", Reason: err.Error()}
	}

	// Secrets come from the environment only.
	cfg.LLM.APIKey = cfg.Env.LLMAPIKey
	cfg.Eval.APIKey = cfg.Env.AnthropicAPIKey

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !validProviders[c.LLM.Provider] {
		return &Error{Section: "llm", Reason: fmt.Sprintf("unknown provider %q", c.LLM.Provider)}
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return &Error{Section: "llm", Reason: "model name is required"}
	}
	if c.LLM.Provider != ProviderOllama && c.LLM.APIKey == "" {
		return &Error{
			Section: "llm",
			Reason:  fmt.Sprintf("API key is required for provider %q; set LLM_API_KEY", c.LLM.Provider),
		}
	}

	if strings.TrimSpace(c.Embedding.Model) == "" {
		return &Error{Section: "embedding", Reason: "model name is required"}
	}
	if strings.TrimSpace(c.Eval.Model) == "" {
		return &Error{Section: "eval", Reason: "model name is required"}
	}
	if c.Eval.Provider != ProviderOllama && c.Eval.APIKey == "" {
		return &Error{
			Section: "eval",
			Reason:  fmt.Sprintf("API key is required for eval provider %q; set ANTHROPIC_API_KEY", c.Eval.Provider),
		}
	}

	if c.Retrieval.TopK <= 0 {
		return &Error{Section: "retrieval", Reason: "top_k must be positive"}
	}
	if c.Retrieval.RRFK <= 0 {
		return &Error{Section: "retrieval", Reason: "rrf_k must be positive"}
	}
	return nil
}

// RerankTopN resolves how many chunks the reranker keeps: the configured
// top_n when set, otherwise max(5, top_k/2).
func (c *Config) RerankTopN() int {
	if c.Reranker.TopN > 0 {
		return c.Reranker.TopN
	}
	if n := c.Retrieval.TopK / 2; n > 5 {
		return n
	}
	return 5
}

// LLMHosting describes where the LLM runs, for /models/info.
func (c *Config) LLMHosting() string {
	if c.LLM.Provider == ProviderOllama {
		return "Ollama (local)"
	}
	return c.LLM.Provider
}
