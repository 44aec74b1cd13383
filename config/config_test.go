package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Bind != "127.0.0.1:5556" {
		t.Errorf("expected default bind 127.0.0.1:5556, got %s", cfg.HTTP.Bind)
	}
	if cfg.HTTP.RequestTimeout != 60*time.Second {
		t.Errorf("expected default request timeout 60s, got %v", cfg.HTTP.RequestTimeout)
	}
	if cfg.Ingest.MaxConcurrency != 2 {
		t.Errorf("expected default ingest concurrency 2, got %d", cfg.Ingest.MaxConcurrency)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "missing bind", modify: func(c *Config) { c.HTTP.Bind = "" }, wantErr: true},
		{name: "missing data root", modify: func(c *Config) { c.DataRoot = "" }, wantErr: true},
		{name: "zero dimension", modify: func(c *Config) { c.Embedding.Dimension = 0 }, wantErr: true},
		{name: "zero concurrency", modify: func(c *Config) { c.Ingest.MaxConcurrency = 0 }, wantErr: true},
		{
			name: "overlap not less than target",
			modify: func(c *Config) {
				c.Ingest.ChunkOverlapChars = c.Ingest.ChunkTargetChars
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
http:
  bind: "0.0.0.0:9000"
  request_timeout: 10m
data_root: "/test/data"
embedding:
  model: "test-embed"
  dimension: 768
nats:
  url: "nats://test:4222"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.HTTP.Bind != "0.0.0.0:9000" {
		t.Errorf("expected bind 0.0.0.0:9000, got %s", cfg.HTTP.Bind)
	}
	if cfg.HTTP.RequestTimeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.HTTP.RequestTimeout)
	}
	if cfg.DataRoot != "/test/data" {
		t.Errorf("expected data root /test/data, got %s", cfg.DataRoot)
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("expected dimension 768, got %d", cfg.Embedding.Dimension)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"HTTP_BIND":            "1.2.3.4:80",
		"EMBEDDING_API_KEY":    "ek-1",
		"GENERATION_API_KEY":   "gk-1",
		"SACRED_APPROVAL_KEY":  "sk-1",
		"EMBEDDING_DIM":        "4096",
		"MAX_INGEST_CONCURRENCY": "5",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.HTTP.Bind != "1.2.3.4:80" {
		t.Errorf("expected overridden bind, got %s", cfg.HTTP.Bind)
	}
	if cfg.Embedding.APIKey != "ek-1" {
		t.Errorf("expected embedding API key set")
	}
	if cfg.Generation.APIKey != "gk-1" {
		t.Errorf("expected generation API key set")
	}
	if cfg.Sacred.ApprovalKey != "sk-1" {
		t.Errorf("expected sacred approval key set")
	}
	if cfg.Embedding.Dimension != 4096 {
		t.Errorf("expected dimension 4096, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Ingest.MaxConcurrency != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.Ingest.MaxConcurrency)
	}
}

func TestRequireSecrets(t *testing.T) {
	cfg := DefaultConfig()
	missing := cfg.RequireSecrets()
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing secrets, got %d: %v", len(missing), missing)
	}

	cfg.Embedding.APIKey = "x"
	cfg.Generation.APIKey = "x"
	cfg.Sacred.ApprovalKey = "x"
	if missing := cfg.RequireSecrets(); len(missing) != 0 {
		t.Errorf("expected no missing secrets, got %v", missing)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.DataRoot = "/saved/data"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.DataRoot != "/saved/data" {
		t.Errorf("expected data root /saved/data, got %s", loaded.DataRoot)
	}
}
