package polaris

import "context"

// CodeExecutor runs model-authored code in a sandboxed environment. The
// sandbox package provides the Deno subprocess implementation.
type CodeExecutor interface {
	// Execute runs the request's code with the given tool stubs in scope.
	// The dispatch function bridges __callTool__ invocations in the sandbox
	// back to the host tool registry. Sandbox-side failures are reported in
	// the result, never as a Go error.
	Execute(ctx context.Context, req ExecRequest, dispatch ToolDispatchFunc) ExecutionResult
}

// ToolDispatchFunc executes one host tool call on behalf of the sandbox.
type ToolDispatchFunc func(name string, params map[string]any) ToolResult

// ExecRequest is the input to CodeExecutor.Execute.
type ExecRequest struct {
	// Code is the user-authored source, delivered verbatim after the bridge
	// and stubs.
	Code string
	// Stubs is the generated tool stub block from ToolRegistry.GenerateStubs.
	Stubs string
	// Context carries optional per-execution data injected into the sandbox.
	Context *ExecContext
}

// ExecContext is optional per-execution sandbox context.
type ExecContext struct {
	Bluesky *BlueskyCredentials
}

// BlueskyCredentials are injected into the sandbox as BSKY_* constants;
// when set, the PDS host is added to the network allowlist.
type BlueskyCredentials struct {
	Identifier string
	Password   string
	PDSURL     string
	DID        string
	Service    string
}

// ExecutionResult is the outcome of one sandbox execution.
type ExecutionResult struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ToolCallsMade int    `json:"tool_calls_made"`
	DurationMS    int64  `json:"duration_ms"`
}
