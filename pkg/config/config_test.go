package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basalt-run/kernel/pkg/config/provider"
)

func TestDefault_ZeroConfig(t *testing.T) {
	cfg := Default()
	if cfg.DataDir == "" || cfg.Workspace == "" {
		t.Fatalf("expected data dir and workspace defaults, got %+v", cfg)
	}
	if cfg.Budgets.MaxActionsPerTask == 0 || cfg.Budgets.MaxTokensPerTask == 0 {
		t.Fatal("expected budget defaults")
	}
	if cfg.EventStream.SummarizeAt != 30 || cfg.EventStream.TailKeep != 15 || cfg.EventStream.ExternalizeThreshold != 8000 {
		t.Fatalf("unexpected event stream defaults: %+v", cfg.EventStream)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero config must validate: %v", err)
	}
}

func TestValidate_RaisesBudgetFloors(t *testing.T) {
	cfg := Default()
	cfg.Budgets.MaxActionsPerTask = 1
	cfg.Budgets.MaxTokensPerTask = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Budgets.MaxActionsPerTask != 5 {
		t.Fatalf("expected action floor 5, got %d", cfg.Budgets.MaxActionsPerTask)
	}
	if cfg.Budgets.MaxTokensPerTask != 100_000 {
		t.Fatalf("expected token floor 100000, got %d", cfg.Budgets.MaxTokensPerTask)
	}
}

func TestSetDefaults_EnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/kernel-data")
	t.Setenv("MAX_ACTIONS_PER_TASK", "42")
	t.Setenv("CACHE_SESSION_TTL", "90s")
	t.Setenv("CACHE_MIN_TOKENS", "1024")

	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.DataDir != "/tmp/kernel-data" {
		t.Fatalf("DATA_DIR override ignored: %q", cfg.DataDir)
	}
	if cfg.Budgets.MaxActionsPerTask != 42 {
		t.Fatalf("MAX_ACTIONS_PER_TASK override ignored: %d", cfg.Budgets.MaxActionsPerTask)
	}
	if cfg.Cache.SessionTTL != 90*time.Second {
		t.Fatalf("CACHE_SESSION_TTL override ignored: %v", cfg.Cache.SessionTTL)
	}
	if cfg.Cache.MinTokens != 1024 {
		t.Fatalf("CACHE_MIN_TOKENS override ignored: %d", cfg.Cache.MinTokens)
	}
}

func TestLoader_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_KERNEL_MODEL", "gpt-4o-mini")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	body := `
llm:
  provider: openai
  model: ${TEST_KERNEL_MODEL}
budgets:
  max_actions_per_task: 7
server:
  port: 9999
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("env expansion failed: %q", cfg.LLM.Model)
	}
	if cfg.Budgets.MaxActionsPerTask != 7 {
		t.Fatalf("expected configured budget, got %d", cfg.Budgets.MaxActionsPerTask)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected configured port, got %d", cfg.Server.Port)
	}
}
