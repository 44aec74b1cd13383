package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "contextkeeper.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/contextkeeper"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Defaults
// 2. User config (~/.config/contextkeeper/config.yaml)
// 3. Project config (contextkeeper.yaml in the working directory)
// 4. Environment variables (spec.md §6.4, highest precedence)
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userCfg, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("loaded user config", slog.String("path", userConfigPath))
			cfg = userCfg
		} else if !os.IsNotExist(err) {
			l.logger.Warn("failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectCfg, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", slog.String("path", projectConfigPath))
			mergeInto(cfg, projectCfg)
		} else {
			l.logger.Warn("failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeInto overlays non-zero fields of other onto c. Secrets stay
// environment-only (config.go never unmarshals them from YAML).
func mergeInto(c, other *Config) {
	if other.HTTP.Bind != "" {
		c.HTTP.Bind = other.HTTP.Bind
	}
	if other.HTTP.RequestTimeout != 0 {
		c.HTTP.RequestTimeout = other.HTTP.RequestTimeout
	}
	if other.DataRoot != "" {
		c.DataRoot = other.DataRoot
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}
	if other.Embedding.BaseURL != "" {
		c.Embedding.BaseURL = other.Embedding.BaseURL
	}
	if other.Generation.Model != "" {
		c.Generation.Model = other.Generation.Model
	}
	if other.Generation.BaseURL != "" {
		c.Generation.BaseURL = other.Generation.BaseURL
	}
	if other.Ingest.MaxConcurrency != 0 {
		c.Ingest.MaxConcurrency = other.Ingest.MaxConcurrency
	}
	if other.Ingest.MaxFileBytes != 0 {
		c.Ingest.MaxFileBytes = other.Ingest.MaxFileBytes
	}
	if other.Ingest.ChunkTargetChars != 0 {
		c.Ingest.ChunkTargetChars = other.Ingest.ChunkTargetChars
	}
	if other.Ingest.ChunkOverlapChars != 0 {
		c.Ingest.ChunkOverlapChars = other.Ingest.ChunkOverlapChars
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
}

// EnsureUserConfig creates the user config file with defaults if absent.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}
	cfg := DefaultConfig()
	if err := cfg.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("created default user config", slog.String("path", userConfigPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	path := filepath.Join(cwd, ProjectConfigFile)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
