package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxToolRounds != 20 {
		t.Errorf("MaxToolRounds = %d", cfg.Agent.MaxToolRounds)
	}
	if cfg.Agent.MaxCodeSize != 51200 {
		t.Errorf("MaxCodeSize = %d", cfg.Agent.MaxCodeSize)
	}
	if cfg.Agent.MaxOutputSize != 1<<20 {
		t.Errorf("MaxOutputSize = %d", cfg.Agent.MaxOutputSize)
	}
	if cfg.Agent.CodeTimeoutMS != 60000 {
		t.Errorf("CodeTimeoutMS = %d", cfg.Agent.CodeTimeoutMS)
	}
	if cfg.Agent.MaxToolCallsPerExec != 25 {
		t.Errorf("MaxToolCallsPerExec = %d", cfg.Agent.MaxToolCallsPerExec)
	}
	if cfg.Agent.ContextBudget != 0.8 {
		t.Errorf("ContextBudget = %f", cfg.Agent.ContextBudget)
	}
	if cfg.Compaction.ChunkSize != 20 || cfg.Compaction.KeepRecent != 5 {
		t.Errorf("compaction defaults = %+v", cfg.Compaction)
	}
	if cfg.Compaction.MaxSummaryTokens != 1024 {
		t.Errorf("MaxSummaryTokens = %d", cfg.Compaction.MaxSummaryTokens)
	}
	if cfg.Compaction.ClipFirst != 2 || cfg.Compaction.ClipLast != 2 {
		t.Errorf("clip window = %d/%d", cfg.Compaction.ClipFirst, cfg.Compaction.ClipLast)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polaris.toml")
	toml := `
[agent]
max_tool_rounds = 7
context_budget = 0.5

[compaction]
chunk_size = 10
keep_recent = 3

[runtime]
working_dir = "/srv/polaris"
allowed_hosts = ["bsky.social", "api.example.com"]

[llm]
model = "claude-haiku-4-5"
api_key = "file-key"
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Agent.MaxToolRounds != 7 || cfg.Agent.ContextBudget != 0.5 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Compaction.ChunkSize != 10 || cfg.Compaction.KeepRecent != 3 {
		t.Errorf("compaction = %+v", cfg.Compaction)
	}
	if cfg.Runtime.WorkingDir != "/srv/polaris" || len(cfg.Runtime.AllowedHosts) != 2 {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.LLM.APIKey != "file-key" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.MaxCodeSize != 51200 {
		t.Errorf("MaxCodeSize = %d", cfg.Agent.MaxCodeSize)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polaris.toml")
	os.WriteFile(path, []byte("[llm]\napi_key = \"file-key\"\nmodel = \"file-model\"\n"), 0o644)

	t.Setenv("POLARIS_API_KEY", "env-key")
	t.Setenv("POLARIS_MODEL", "env-model")
	t.Setenv("POLARIS_CONTEXT_BUDGET", "0.6")

	cfg := Load(path)
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Agent.ContextBudget != 0.6 {
		t.Errorf("budget = %f", cfg.Agent.ContextBudget)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Agent.MaxToolRounds != 20 {
		t.Error("defaults not applied for missing file")
	}
}
