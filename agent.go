package polaris

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// nopLogger discards all output; components fall back to it so logging is
// never nil-checked.
var nopLogger = slog.New(slog.DiscardHandler)

// AgentConfig tunes the per-message loop.
type AgentConfig struct {
	// Model is the model id sent with every completion.
	Model string
	// Persona is the system prompt persona; the memory manager's core
	// blocks are appended when one is configured.
	Persona string
	// MaxTokens caps each completion response.
	MaxTokens int
	// MaxToolRounds bounds model round-trips per user message.
	MaxToolRounds int
	// ContextBudget is the fraction of ModelMaxTokens at which the
	// compactor is consulted.
	ContextBudget float64
	// ModelMaxTokens is the model's context window size.
	ModelMaxTokens int
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 20
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 0.8
	}
	if c.ModelMaxTokens <= 0 {
		c.ModelMaxTokens = 200_000
	}
	return c
}

// Agent drives one conversation: it persists turns, composes model
// context, routes tool calls, and consults the compactor when the token
// budget is near. One Agent per conversation; ProcessMessage is
// sequential per instance.
type Agent struct {
	conversationID string
	provider       ModelProvider
	store          MessageStore
	registry       *ToolRegistry
	memory         MemoryManager
	executor       CodeExecutor
	compactor      *Compactor
	guards         []Guard
	execCtx        *ExecContext
	cfg            AgentConfig
	logger         *slog.Logger
	tracer         Tracer
}

// Option configures an Agent.
type Option func(*Agent)

// WithRegistry sets the tool registry. Without it the agent starts with
// an empty registry.
func WithRegistry(r *ToolRegistry) Option {
	return func(a *Agent) { a.registry = r }
}

// WithMemory sets the memory manager. Optional; without it the system
// prompt is the bare persona and no working blocks are prepended.
func WithMemory(m MemoryManager) Option {
	return func(a *Agent) { a.memory = m }
}

// WithExecutor enables the execute_code tool.
func WithExecutor(e CodeExecutor) Option {
	return func(a *Agent) { a.executor = e }
}

// WithCompactor enables compaction: the automatic budget check and the
// compact_context tool. Absence means a skip-compression policy.
func WithCompactor(c *Compactor) Option {
	return func(a *Agent) { a.compactor = c }
}

// WithGuards installs input guards, run in order on each user message
// before anything is persisted.
func WithGuards(guards ...Guard) Option {
	return func(a *Agent) { a.guards = append(a.guards, guards...) }
}

// WithExecContext sets the per-execution sandbox context (e.g. Bluesky
// credentials).
func WithExecContext(ec *ExecContext) Option {
	return func(a *Agent) { a.execCtx = ec }
}

// WithConfig sets the agent configuration.
func WithConfig(cfg AgentConfig) Option {
	return func(a *Agent) { a.cfg = cfg }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTracer enables span emission.
func WithTracer(t Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// New creates an Agent for one conversation. The execute_code and
// compact_context definitions are registered for schema visibility when
// the corresponding collaborator is present.
func New(conversationID string, provider ModelProvider, store MessageStore, opts ...Option) *Agent {
	a := &Agent{
		conversationID: conversationID,
		provider:       provider,
		store:          store,
		logger:         nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg = a.cfg.withDefaults()
	if a.registry == nil {
		a.registry = NewToolRegistry()
	}
	if a.executor != nil {
		// Ignore duplicates: the caller may have registered the definition.
		_ = a.registry.Register(ExecuteCodeDefinition())
	}
	if a.compactor != nil {
		_ = a.registry.Register(CompactContextDefinition())
	}
	return a
}

// ConversationID returns the conversation this agent drives.
func (a *Agent) ConversationID() string { return a.conversationID }

// Registry returns the agent's tool registry for startup registration.
func (a *Agent) Registry() *ToolRegistry { return a.registry }

// ProcessMessage runs one full turn: persist the user message, compose
// context, loop model rounds with tool dispatch, persist results, and
// return the final assistant text. Provider failures propagate; tool and
// sandbox failures are folded into tool_result blocks.
func (a *Agent) ProcessMessage(ctx context.Context, userText string) (string, error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.process_message",
			StringAttr("conversation", a.conversationID))
		defer span.End()
	}

	for _, g := range a.guards {
		if verdict := g.Check(userText); verdict.Blocked {
			a.logger.Warn("input blocked by guard", "conversation", a.conversationID, "reason", verdict.Reason)
			return verdict.Response, nil
		}
	}

	userMsg := PlainMessage(a.conversationID, RoleUser, userText)
	if err := a.store.InsertMessage(ctx, userMsg); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}

	history, err := a.store.GetMessages(ctx, a.conversationID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	req, err := a.buildRequest(ctx, history)
	if err != nil {
		return "", err
	}

	// Budget check: compress before the first model call when the estimate
	// crosses the configured fraction of the context window.
	budget := int(a.cfg.ContextBudget * float64(a.cfg.ModelMaxTokens))
	if a.compactor != nil && estimateRequestTokens(req) > budget {
		res := a.compactor.Compress(ctx, history, a.conversationID)
		history = res.History
		a.logger.Info("context compacted",
			"conversation", a.conversationID,
			"batches", res.BatchesCreated,
			"tokens_before", res.TokensEstimateBefore,
			"tokens_after", res.TokensEstimateAfter)
		req, err = a.buildRequest(ctx, history)
		if err != nil {
			return "", err
		}
	}

	var lastText string
	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}

		assistant := ConversationMessage{
			ID:             NewID(),
			ConversationID: a.conversationID,
			Role:           RoleAssistant,
			Content:        resp.Content,
			CreatedAt:      NowUnixMilli(),
		}
		if err := a.store.InsertMessage(ctx, assistant); err != nil {
			return "", fmt.Errorf("persist assistant message: %w", err)
		}
		req.Messages = append(req.Messages, assistant)
		if t := resp.Text(); t != "" {
			lastText = t
		}

		if resp.StopReason != StopToolUse {
			break
		}

		results := a.dispatchBlocks(ctx, resp.Content)
		if len(results) == 0 {
			break
		}
		toolMsg := ConversationMessage{
			ID:             NewID(),
			ConversationID: a.conversationID,
			Role:           RoleTool,
			Content:        results,
			CreatedAt:      NowUnixMilli(),
		}
		if err := a.store.InsertMessage(ctx, toolMsg); err != nil {
			return "", fmt.Errorf("persist tool results: %w", err)
		}
		req.Messages = append(req.Messages, toolMsg)
	}

	return lastText, nil
}

// buildRequest composes the model request: system prompt (persona plus
// core memory), working-memory blocks prepended as system messages, then
// the conversation history.
func (a *Agent) buildRequest(ctx context.Context, history []ConversationMessage) (CompletionRequest, error) {
	system := a.cfg.Persona
	var working []MemoryBlock
	if a.memory != nil {
		var err error
		system, err = a.memory.BuildSystemPrompt(ctx, a.cfg.Persona)
		if err != nil {
			return CompletionRequest{}, fmt.Errorf("build system prompt: %w", err)
		}
		working, err = a.memory.WorkingBlocks(ctx)
		if err != nil {
			return CompletionRequest{}, fmt.Errorf("load working memory: %w", err)
		}
	}

	messages := make([]ConversationMessage, 0, len(working)+len(history))
	for _, blk := range working {
		messages = append(messages, ConversationMessage{
			Role:    RoleSystem,
			Content: []ContentBlock{TextBlock("[" + blk.Label + "]\n" + blk.Content)},
		})
	}
	messages = append(messages, history...)

	return CompletionRequest{
		System:    system,
		Messages:  messages,
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		Tools:     a.registry.ToModelTools(),
	}, nil
}

// dispatchBlocks routes the response's tool_use blocks in model-emitted
// order and returns the matching tool_result blocks.
func (a *Agent) dispatchBlocks(ctx context.Context, content []ContentBlock) []ContentBlock {
	var results []ContentBlock
	for _, blk := range content {
		if blk.Type != BlockTypeToolUse {
			continue
		}
		var result ContentBlock
		switch blk.Name {
		case ToolExecuteCode:
			result = a.dispatchExecuteCode(ctx, blk)
		case ToolCompactContext:
			result = a.dispatchCompactContext(ctx, blk)
		default:
			tr := a.registry.Dispatch(blk.Name, blk.Input)
			result = toolResultToBlock(blk.ID, tr)
		}
		results = append(results, result)
	}
	return results
}

func (a *Agent) dispatchExecuteCode(ctx context.Context, blk ContentBlock) ContentBlock {
	if a.executor == nil {
		return ToolResultBlock(blk.ID, "code execution is not available", true)
	}
	code, _ := blk.Input["code"].(string)
	res := a.executor.Execute(ctx, ExecRequest{
		Code:    code,
		Stubs:   a.registry.GenerateStubs(),
		Context: a.execCtx,
	}, a.sandboxDispatch)

	content := res.Output
	if !res.Success {
		content = res.Error
	}
	return ToolResultBlock(blk.ID, content, !res.Success)
}

func (a *Agent) dispatchCompactContext(ctx context.Context, blk ContentBlock) ContentBlock {
	var res CompactionResult
	if a.compactor != nil {
		history, err := a.store.GetMessages(ctx, a.conversationID)
		if err != nil {
			return ToolResultBlock(blk.ID, "load history: "+err.Error(), true)
		}
		res = a.compactor.Compress(ctx, history, a.conversationID)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return ToolResultBlock(blk.ID, "encode result: "+err.Error(), true)
	}
	return ToolResultBlock(blk.ID, string(payload), false)
}

// sandboxDispatch bridges __callTool__ invocations from the sandbox to
// the registry. The loop-reserved names cannot be re-entered from code.
func (a *Agent) sandboxDispatch(name string, params map[string]any) ToolResult {
	if name == ToolExecuteCode || name == ToolCompactContext {
		return ToolResult{Success: false, Error: name + " cannot be called from sandboxed code"}
	}
	return a.registry.Dispatch(name, params)
}

func toolResultToBlock(toolUseID string, tr ToolResult) ContentBlock {
	if tr.Success {
		return ToolResultBlock(toolUseID, tr.Output, false)
	}
	return ToolResultBlock(toolUseID, tr.Error, true)
}

func estimateRequestTokens(req CompletionRequest) int {
	return EstimateTokens(req.System) + EstimateHistoryTokens(req.Messages)
}
