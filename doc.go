// Package polaris is a long-running LLM agent runtime for Go.
//
// It maintains durable conversational context, invokes language-model
// completions, dispatches host-side tools, executes model-authored code in
// a sandboxed subprocess, and compacts conversation history when it
// outgrows the model's context window.
//
// # Quick Start
//
// Compose an agent from implementations of the core interfaces:
//
//	reg := polaris.NewToolRegistry()
//	agent := polaris.New("conv-1",
//		polaris.WithRetry(anthropic.New(apiKey)),
//		sqlite.New("polaris.db"),
//		polaris.WithRegistry(reg),
//		polaris.WithMemory(memsqlite.New("polaris.db", "agent:conv-1")),
//		polaris.WithExecutor(sandbox.New("deno", sandbox.WithWorkDir(dir))),
//		polaris.WithConfig(polaris.AgentConfig{Model: "claude-sonnet-4-5", Persona: persona}),
//	)
//	reply, err := agent.ProcessMessage(ctx, "hello")
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [ModelProvider] — LLM backend (completion, streaming)
//   - [MessageStore] — conversation persistence
//   - [MemoryManager] — tiered agent memory (core, working, archival)
//   - [CodeExecutor] — sandboxed code execution with a host tool bridge
//   - [EmbeddingProvider] — text-to-vector embedding for memory search
//
// # Included Implementations
//
// Providers: provider/anthropic. Storage: store/sqlite, store/postgres.
// Memory: memory/sqlite. Sandbox: sandbox (Deno subprocess).
// Tools: tools/fetch, tools/recall, tools/file.
// Observability: observer (OpenTelemetry wrappers).
//
// See cmd/polaris for a complete reference application.
package polaris
