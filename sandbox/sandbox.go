package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	polaris "github.com/aelish/polaris"
)

// Executor runs JavaScript in a Deno subprocess. Implements
// polaris.CodeExecutor. It holds no state between invocations other than
// configuration; a single Executor serves any number of executions.
type Executor struct {
	denoBin string
	cfg     config
}

// compile-time check
var _ polaris.CodeExecutor = (*Executor)(nil)

// New creates an Executor that runs code via the given Deno binary
// (e.g. "deno").
func New(denoBin string, opts ...Option) *Executor {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger
	}
	return &Executor{denoBin: denoBin, cfg: cfg}
}

// Execute runs one sandboxed execution. Sandbox-side failures (including
// permission denials, which surface on the child's stderr) are reported
// in the result; only host-side quota trips and the timeout flip Success
// to false.
func (e *Executor) Execute(ctx context.Context, req polaris.ExecRequest, dispatch polaris.ToolDispatchFunc) polaris.ExecutionResult {
	start := time.Now()

	if len(req.Code) > e.cfg.maxCodeSize {
		return polaris.ExecutionResult{Success: false, Error: "code exceeds max size"}
	}

	script := buildScript(req)
	tmp, err := os.CreateTemp(e.workDir(), "polaris-exec-*.js")
	if err != nil {
		return polaris.ExecutionResult{Success: false, Error: "create script file: " + err.Error()}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return polaris.ExecutionResult{Success: false, Error: "write script file: " + err.Error()}
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.denoBin, append(e.permissionArgs(req.Context), tmp.Name())...)
	cmd.Dir = e.workDir()
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"NO_COLOR=1",
		"DENO_NO_UPDATE_CHECK=1",
	}
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return polaris.ExecutionResult{Success: false, Error: "stdin pipe: " + err.Error()}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return polaris.ExecutionResult{Success: false, Error: "stdout pipe: " + err.Error()}
	}

	session := &ipcSession{
		cfg:      e.cfg,
		dispatch: dispatch,
		stdin:    stdin,
		kill:     cancel,
	}
	// Permission denials and uncaught errors land on stderr; they belong in
	// the output buffer, not the protocol stream.
	cmd.Stderr = stderrWriter{session}

	if err := cmd.Start(); err != nil {
		return polaris.ExecutionResult{Success: false, Error: "start subprocess: " + err.Error()}
	}

	session.readLoop(stdout)
	waitErr := cmd.Wait()
	duration := time.Since(start).Milliseconds()

	result := polaris.ExecutionResult{
		Success:       true,
		Output:        session.output(),
		ToolCallsMade: session.callsDispatched(),
		DurationMS:    duration,
	}

	switch {
	case session.outputExceeded():
		result.Success = false
		result.Error = "output exceeds max size"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Success = false
		result.Error = fmt.Sprintf("execution timed out after %s", e.cfg.timeout)
	case waitErr != nil:
		// Non-zero exit from an uncaught sandbox error: the message is
		// already in the output buffer via stderr. User code is expected to
		// catch what it cares about.
		e.cfg.logger.Debug("sandbox exit", "error", waitErr)
	}
	return result
}

func (e *Executor) workDir() string {
	if e.cfg.workDir != "" {
		return e.cfg.workDir
	}
	return os.TempDir()
}

// --- IPC wire types ---

type childMessage struct {
	Type    string         `json:"type"`
	Data    string         `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Name    string         `json:"name,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
}

type toolResultMessage struct {
	Type   string             `json:"type"`
	CallID string             `json:"call_id"`
	Result polaris.ToolResult `json:"result"`
}

type toolErrorMessage struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

// ipcSession owns one execution's mutable host-side state: the output
// accumulator, the tool-call counter, and the child's stdin. Tool calls
// may be dispatched concurrently; each writes its result keyed by its own
// call_id, so out-of-order resolution is fine.
type ipcSession struct {
	cfg      config
	dispatch polaris.ToolDispatchFunc
	kill     context.CancelFunc

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu         sync.Mutex
	buf        strings.Builder
	exceeded   bool
	callsMade  int
	dispatched sync.WaitGroup
}

// readLoop consumes the child's stdout until EOF, routing protocol
// messages. Non-protocol lines are treated as plain output.
func (s *ipcSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), s.cfg.maxOutputSize+64*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg childMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.appendOutput(line)
			continue
		}

		switch msg.Type {
		case "__output__":
			s.appendOutput(msg.Data)
		case "__debug__":
			// Diagnostic stream; never counts against the output quota.
			s.cfg.logger.Debug("sandbox debug", "message", msg.Message)
		case "__tool_call__":
			s.handleToolCall(msg)
		default:
			s.appendOutput(line)
		}
	}
	// Let in-flight dispatches write their results before Wait closes the
	// pipes under them.
	s.dispatched.Wait()
}

func (s *ipcSession) handleToolCall(msg childMessage) {
	s.mu.Lock()
	if s.callsMade >= s.cfg.maxToolCalls {
		s.mu.Unlock()
		s.writeLine(toolErrorMessage{Type: "__tool_error__", CallID: msg.CallID, Error: "tool call quota exceeded"})
		return
	}
	s.callsMade++
	s.mu.Unlock()

	s.dispatched.Add(1)
	go func() {
		defer s.dispatched.Done()
		result := s.dispatch(msg.Name, msg.Params)
		s.writeLine(toolResultMessage{Type: "__tool_result__", CallID: msg.CallID, Result: result})
	}()
}

func (s *ipcSession) appendOutput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exceeded {
		return
	}
	if s.buf.Len()+len(data)+1 > s.cfg.maxOutputSize {
		s.exceeded = true
		s.kill()
		return
	}
	s.buf.WriteString(data)
	if !strings.HasSuffix(data, "\n") {
		s.buf.WriteString("\n")
	}
}

func (s *ipcSession) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fmt.Fprintf(s.stdin, "%s\n", data)
}

func (s *ipcSession) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *ipcSession) outputExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exceeded
}

func (s *ipcSession) callsDispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsMade
}

// stderrWriter funnels the child's stderr into the output accumulator.
type stderrWriter struct {
	s *ipcSession
}

func (w stderrWriter) Write(p []byte) (int, error) {
	w.s.appendOutput(string(p))
	return len(p), nil
}
