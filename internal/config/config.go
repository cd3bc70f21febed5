// Package config loads Polaris configuration: defaults, then a TOML file,
// then POLARIS_* environment variables (env wins). Secrets are env-first
// with the config file as fallback.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Compaction CompactionConfig `toml:"compaction"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	LLM        LLMConfig        `toml:"llm"`
	Database   DatabaseConfig   `toml:"database"`
	Bluesky    BlueskyConfig    `toml:"bluesky"`
	Observer   ObserverConfig   `toml:"observer"`
}

type AgentConfig struct {
	Persona             string  `toml:"persona"`
	MaxToolRounds       int     `toml:"max_tool_rounds"`
	MaxCodeSize         int     `toml:"max_code_size"`
	MaxOutputSize       int     `toml:"max_output_size"`
	CodeTimeoutMS       int     `toml:"code_timeout"`
	MaxToolCallsPerExec int     `toml:"max_tool_calls_per_exec"`
	ContextBudget       float64 `toml:"context_budget"`
}

type CompactionConfig struct {
	ChunkSize        int    `toml:"chunk_size"`
	KeepRecent       int    `toml:"keep_recent"`
	MaxSummaryTokens int    `toml:"max_summary_tokens"`
	ClipFirst        int    `toml:"clip_first"`
	ClipLast         int    `toml:"clip_last"`
	Prompt           string `toml:"prompt"`
}

type RuntimeConfig struct {
	WorkingDir       string   `toml:"working_dir"`
	AllowedHosts     []string `toml:"allowed_hosts"`
	AllowedReadPaths []string `toml:"allowed_read_paths"`
	AllowedRun       []string `toml:"allowed_run"`
}

type LLMConfig struct {
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	ModelMaxTokens int    `toml:"model_max_tokens"`
	MaxTokens      int    `toml:"max_tokens"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
	// URL selects PostgreSQL when set; Path selects SQLite otherwise.
	URL string `toml:"url"`
}

type BlueskyConfig struct {
	Identifier string `toml:"identifier"`
	Password   string `toml:"password"`
	PDSURL     string `toml:"pds_url"`
	DID        string `toml:"did"`
	Service    string `toml:"service"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Agent: AgentConfig{
			MaxToolRounds:       20,
			MaxCodeSize:         51200,
			MaxOutputSize:       1 << 20,
			CodeTimeoutMS:       60000,
			MaxToolCallsPerExec: 25,
			ContextBudget:       0.8,
		},
		Compaction: CompactionConfig{
			ChunkSize:        20,
			KeepRecent:       5,
			MaxSummaryTokens: 1024,
			ClipFirst:        2,
			ClipLast:         2,
		},
		Runtime: RuntimeConfig{
			WorkingDir: home + "/polaris-workspace",
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-5",
			ModelMaxTokens: 200000,
			MaxTokens:      4096,
		},
		Database: DatabaseConfig{Path: "polaris.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "polaris.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides; secrets are env-first by reading them here.
	if v := os.Getenv("POLARIS_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("POLARIS_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("POLARIS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("POLARIS_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("POLARIS_WORKING_DIR"); v != "" {
		cfg.Runtime.WorkingDir = v
	}
	if v := os.Getenv("POLARIS_BSKY_IDENTIFIER"); v != "" {
		cfg.Bluesky.Identifier = v
	}
	if v := os.Getenv("POLARIS_BSKY_PASSWORD"); v != "" {
		cfg.Bluesky.Password = v
	}
	if v := os.Getenv("POLARIS_BSKY_PDS_URL"); v != "" {
		cfg.Bluesky.PDSURL = v
	}
	if v := os.Getenv("POLARIS_CONTEXT_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Agent.ContextBudget = f
		}
	}
	if v := os.Getenv("POLARIS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
