package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig represents the memory database settings.
type DatabaseConfig struct {
	Path           string `yaml:"path,omitempty"`            // SQLite database file path
	MigrationsPath string `yaml:"migrations_path,omitempty"` // Directory holding migration files
}

// OpenAIConfig represents configuration for the OpenAI provider used for
// chat generation and embeddings.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key,omitempty"`     // OpenAI API key
	BaseURL    string `yaml:"base_url,omitempty"`    // Custom base URL (default: official API)
	ChatModel  string `yaml:"chat_model,omitempty"`  // Model for summarization and extraction
	EmbedModel string `yaml:"embed_model,omitempty"` // Model for embeddings
}

// MemoryConfig represents tunables for the memory engine.
type MemoryConfig struct {
	LockThreshold      int     `yaml:"lock_threshold,omitempty"`       // Corrections before a key locks
	RetrievalCacheTTL  int     `yaml:"retrieval_cache_ttl,omitempty"`  // Seconds
	PromptCacheTTL     int     `yaml:"prompt_cache_ttl,omitempty"`     // Seconds
	CandidateLimit     int     `yaml:"candidate_limit,omitempty"`      // Candidates scored per retrieval
	PinnedCap          int     `yaml:"pinned_cap,omitempty"`           // Max pinned items in a memory block
	RelatedCap         int     `yaml:"related_cap,omitempty"`          // Max related items in a memory block
	RecencyHalfLifeHrs float64 `yaml:"recency_half_life_hours,omitempty"`
}

// LogConfig represents logging settings.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // Log file path; empty logs to stdout
	Pretty bool   `yaml:"pretty,omitempty"` // Human-readable console output (stdout only)
}

// Config represents the full configuration for the memoryd daemon.
type Config struct {
	Database DatabaseConfig `yaml:"database,omitempty"`
	OpenAI   OpenAIConfig   `yaml:"openai,omitempty"`
	Memory   MemoryConfig   `yaml:"memory,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via MEMORYD_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("MEMORYD_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.memoryd/config.yaml"
	}
	return filepath.Join(homeDir, ".memoryd", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load loads configuration from the given path, merging it onto defaults.
// A missing config file is not an error; defaults apply.
// The OPENAI_API_KEY environment variable overrides the file value when set.
func Load(path string) (*Config, error) {
	defaults := Config{
		Database: DatabaseConfig{
			Path:           "memoryd.db",
			MigrationsPath: "migrations",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Memory: MemoryConfig{
			LockThreshold:      3,
			RetrievalCacheTTL:  180,
			PromptCacheTTL:     30,
			CandidateLimit:     30,
			PinnedCap:          8,
			RelatedCap:         16,
			RecencyHalfLifeHrs: 72,
		},
		Log: LogConfig{
			File: "memoryd.log",
		},
	}

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileConfig Config
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		defaults.OpenAI.APIKey = key
	}

	return &defaults, nil
}

// Save writes the configuration to the specified path, creating the
// directory if needed.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
