package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "memoryd.db" {
		t.Errorf("default db path wrong: %s", cfg.Database.Path)
	}
	if cfg.OpenAI.ChatModel != "gpt-4o-mini" || cfg.OpenAI.EmbedModel != "text-embedding-3-small" {
		t.Errorf("default models wrong: %+v", cfg.OpenAI)
	}
	if cfg.Memory.LockThreshold != 3 || cfg.Memory.PinnedCap != 8 || cfg.Memory.RelatedCap != 16 {
		t.Errorf("default memory policy wrong: %+v", cfg.Memory)
	}
}

func TestLoad_FileOverridesMergeOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: /tmp/other.db
memory:
  lock_threshold: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("file value must override default, got %s", cfg.Database.Path)
	}
	if cfg.Memory.LockThreshold != 5 {
		t.Errorf("lock threshold not overridden: %d", cfg.Memory.LockThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.OpenAI.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unset keys must keep defaults, got %s", cfg.OpenAI.BaseURL)
	}
	if cfg.Memory.PinnedCap != 8 {
		t.Errorf("unset memory keys must keep defaults, got %d", cfg.Memory.PinnedCap)
	}
}

func TestLoad_EnvAPIKeyWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("openai:\n  api_key: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey != "from-env" {
		t.Errorf("env key must win, got %s", cfg.OpenAI.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "config.yaml")

	cfg := &Config{}
	cfg.Database.Path = "x.db"
	cfg.Memory.LockThreshold = 7
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Database.Path != "x.db" || loaded.Memory.LockThreshold != 7 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
