// Package config provides configuration loading and management for the
// context keeper service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	DataRoot  string          `yaml:"data_root"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Sacred    SacredConfig    `yaml:"sacred"`
	Ingest    IngestConfig    `yaml:"ingest"`
	NATS      NATSConfig      `yaml:"nats"`
}

// HTTPConfig configures the API surface listener.
type HTTPConfig struct {
	// Bind is the host:port for the API (default 127.0.0.1:5556).
	Bind string `yaml:"bind"`
	// RequestTimeout bounds every request's deadline (default 60s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EmbeddingConfig configures the Embedding Client.
type EmbeddingConfig struct {
	// APIKey is the credential for the embedding service. Required.
	APIKey string `yaml:"-"`
	// Model is the logical embedding model identifier.
	Model string `yaml:"model"`
	// Dimension is the expected vector dimension; guards collection integrity.
	Dimension int `yaml:"dimension"`
	// BaseURL overrides the provider's default endpoint (used for
	// OpenAI-compatible gateways).
	BaseURL string `yaml:"base_url"`
}

// GenerationConfig configures the Generation Client.
type GenerationConfig struct {
	// APIKey is the credential for the generation service. Required.
	APIKey string `yaml:"-"`
	// Model is the logical generation model identifier.
	Model string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// SacredConfig configures sacred-plan governance.
type SacredConfig struct {
	// ApprovalKey is the required second factor for plan approval.
	ApprovalKey string `yaml:"-"`
}

// IngestConfig configures ingestion limits.
type IngestConfig struct {
	// MaxConcurrency bounds simultaneous ingest tasks (default 2).
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxFileBytes caps individual file size read during ingest (default ~1MiB).
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// ChunkTargetChars is the ideal chunk size in characters (default ~1500).
	ChunkTargetChars int `yaml:"chunk_target_chars"`
	// ChunkOverlapChars is the overlap between consecutive chunks (default ~150).
	ChunkOverlapChars int `yaml:"chunk_overlap_chars"`
}

// NATSConfig configures the embedded/external NATS connection backing the
// Event Bus.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to start an in-process NATS server.
	Embedded bool `yaml:"embedded"`
}

// DefaultConfig returns a Config with sensible defaults (spec.md §6.4).
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Bind:           "127.0.0.1:5556",
			RequestTimeout: 60 * time.Second,
		},
		DataRoot: "./data",
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Generation: GenerationConfig{
			Model: "gpt-4o-mini",
		},
		Ingest: IngestConfig{
			MaxConcurrency:    2,
			MaxFileBytes:      1 << 20,
			ChunkTargetChars:  1500,
			ChunkOverlapChars: 150,
		},
		NATS: NATSConfig{
			Embedded: true,
		},
	}
}

// Validate checks that required keys are present and internally consistent.
// Startup-required keys (API credentials, approval key) are checked
// separately by RequireSecrets, since they are non-fatal for read-only
// health/listing endpoints per spec.md §6.4.
func (c *Config) Validate() error {
	if c.HTTP.Bind == "" {
		return fmt.Errorf("http.bind is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("data_root is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Ingest.MaxConcurrency <= 0 {
		return fmt.Errorf("ingest.max_concurrency must be positive")
	}
	if c.Ingest.ChunkOverlapChars >= c.Ingest.ChunkTargetChars {
		return fmt.Errorf("ingest.chunk_overlap_chars must be less than chunk_target_chars")
	}
	return nil
}

// RequireSecrets validates the credentials spec.md §6.4 marks "required".
// Missing secrets degrade the service to unhealthy rather than refusing to
// start (startup still serves listing/governance endpoints).
func (c *Config) RequireSecrets() []string {
	var missing []string
	if c.Embedding.APIKey == "" {
		missing = append(missing, "EMBEDDING_API_KEY")
	}
	if c.Generation.APIKey == "" {
		missing = append(missing, "GENERATION_API_KEY")
	}
	if c.Sacred.ApprovalKey == "" {
		missing = append(missing, "SACRED_APPROVAL_KEY")
	}
	return missing
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults for any field the file omits.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a YAML file. Secrets are never written.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays recognized environment variables (spec.md §6.4) onto c,
// taking precedence over file-loaded values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("HTTP_BIND"); v != "" {
		c.HTTP.Bind = v
	}
	if v := getenv("DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := getenv("EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := getenv("GENERATION_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := getenv("EMBEDDING_DIM"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Embedding.Dimension = d
		}
	}
	if v := getenv("GENERATION_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := getenv("SACRED_APPROVAL_KEY"); v != "" {
		c.Sacred.ApprovalKey = v
	}
	if v := getenv("MAX_INGEST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.MaxConcurrency = n
		}
	}
	if v := getenv("MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Ingest.MaxFileBytes = n
		}
	}
	if v := getenv("CHUNK_TARGET_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.ChunkTargetChars = n
		}
	}
	if v := getenv("CHUNK_OVERLAP_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.ChunkOverlapChars = n
		}
	}
	if v := getenv("REQUEST_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.RequestTimeout = time.Duration(n) * time.Second
		}
	}
}
