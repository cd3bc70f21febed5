// Command polaris runs the reference agent: one conversation on a
// line-oriented stdin REPL, wired to the Anthropic provider, SQLite (or
// PostgreSQL) persistence, SQLite memory, and the Deno sandbox.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aelish/polaris"
	"github.com/aelish/polaris/internal/config"
	memsqlite "github.com/aelish/polaris/memory/sqlite"
	"github.com/aelish/polaris/observer"
	"github.com/aelish/polaris/provider/anthropic"
	"github.com/aelish/polaris/sandbox"
	"github.com/aelish/polaris/store/postgres"
	storesqlite "github.com/aelish/polaris/store/sqlite"
	filetool "github.com/aelish/polaris/tools/file"
	"github.com/aelish/polaris/tools/fetch"
	"github.com/aelish/polaris/tools/recall"
)

func main() {
	configPath := flag.String("config", "", "path to polaris.toml")
	conversation := flag.String("conversation", "default", "conversation id")
	flag.Parse()

	cfg := config.Load(*configPath)
	if cfg.LLM.APIKey == "" {
		log.Fatal("POLARIS_API_KEY is required")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := os.MkdirAll(cfg.Runtime.WorkingDir, 0o755); err != nil {
		log.Fatalf("create working dir: %v", err)
	}

	// Observability is optional; when enabled, provider, tools, and the
	// executor all report through OTEL.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	var provider polaris.ModelProvider = anthropic.New(cfg.LLM.APIKey, anthropic.WithDefaultModel(cfg.LLM.Model))
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
	}
	provider = polaris.WithRetry(provider, polaris.RetryLogger(logger))

	var store polaris.MessageStore
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	} else {
		store = storesqlite.New(cfg.Database.Path, storesqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	mem := memsqlite.New(cfg.Database.Path, "agent:"+*conversation)
	if err := mem.Init(ctx); err != nil {
		log.Fatalf("memory init: %v", err)
	}
	defer mem.Close()

	registry := polaris.NewToolRegistry()
	tools := []polaris.Tool{fetch.New(fetch.WithAllowedHosts(cfg.Runtime.AllowedHosts...)).Definition()}
	tools = append(tools, recall.Tools(mem)...)
	tools = append(tools, filetool.Tools(cfg.Runtime.WorkingDir)...)
	for _, t := range tools {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		if err := registry.Register(t); err != nil {
			log.Fatalf("register %s: %v", t.Definition.Name, err)
		}
	}

	var executor polaris.CodeExecutor = sandbox.New("deno",
		sandbox.WithWorkDir(cfg.Runtime.WorkingDir),
		sandbox.WithTimeout(time.Duration(cfg.Agent.CodeTimeoutMS)*time.Millisecond),
		sandbox.WithMaxCodeSize(cfg.Agent.MaxCodeSize),
		sandbox.WithMaxOutputSize(cfg.Agent.MaxOutputSize),
		sandbox.WithMaxToolCalls(cfg.Agent.MaxToolCallsPerExec),
		sandbox.WithAllowedHosts(cfg.Runtime.AllowedHosts...),
		sandbox.WithAllowedReadPaths(cfg.Runtime.AllowedReadPaths...),
		sandbox.WithAllowedRun(cfg.Runtime.AllowedRun...),
		sandbox.WithLogger(logger),
	)
	if inst != nil {
		executor = observer.WrapExecutor(executor, inst)
	}

	compactor := polaris.NewCompactor(provider, mem, store, polaris.CompactorConfig{
		Model:            cfg.LLM.Model,
		ChunkSize:        cfg.Compaction.ChunkSize,
		KeepRecent:       cfg.Compaction.KeepRecent,
		MaxSummaryTokens: cfg.Compaction.MaxSummaryTokens,
		ClipFirst:        cfg.Compaction.ClipFirst,
		ClipLast:         cfg.Compaction.ClipLast,
		Prompt:           cfg.Compaction.Prompt,
	}, polaris.WithCompactorLogger(logger))

	var execCtx *polaris.ExecContext
	if cfg.Bluesky.Identifier != "" {
		execCtx = &polaris.ExecContext{Bluesky: &polaris.BlueskyCredentials{
			Identifier: cfg.Bluesky.Identifier,
			Password:   cfg.Bluesky.Password,
			PDSURL:     cfg.Bluesky.PDSURL,
			DID:        cfg.Bluesky.DID,
			Service:    cfg.Bluesky.Service,
		}}
	}

	agent := polaris.New(*conversation, provider, store,
		polaris.WithRegistry(registry),
		polaris.WithMemory(mem),
		polaris.WithExecutor(executor),
		polaris.WithCompactor(compactor),
		polaris.WithExecContext(execCtx),
		polaris.WithGuards(polaris.NewInjectionGuard("")),
		polaris.WithLogger(logger),
		polaris.WithConfig(polaris.AgentConfig{
			Model:          cfg.LLM.Model,
			Persona:        cfg.Agent.Persona,
			MaxTokens:      cfg.LLM.MaxTokens,
			MaxToolRounds:  cfg.Agent.MaxToolRounds,
			ContextBudget:  cfg.Agent.ContextBudget,
			ModelMaxTokens: cfg.LLM.ModelMaxTokens,
		}),
	)

	fmt.Println("polaris ready; type a message, ctrl-d to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reply, err := agent.ProcessMessage(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
