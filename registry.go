package polaris

import (
	"fmt"
	"strings"
)

// Names the agent loop intercepts before registry dispatch. Both are
// registered for schema visibility only; their handlers return a sentinel
// failure if anything routes them here.
const (
	ToolExecuteCode    = "execute_code"
	ToolCompactContext = "compact_context"
)

const loopDispatchSentinel = "dispatched by the agent loop, not the tool registry"

// ToolRegistry holds registered tools, validates parameters, converts
// definitions to the model's schema, generates sandbox stubs, and
// dispatches calls by name. Registration happens at startup; Dispatch is
// safe for concurrent use once registration is done.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register inserts a tool by name. Returns ErrDuplicateTool when the name
// is already present.
func (r *ToolRegistry) Register(t Tool) error {
	name := t.Definition.Name
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Definitions returns the registered definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// ToModelTools converts each definition to the shape the model expects.
func (r *ToolRegistry) ToModelTools() []ModelTool {
	tools := make([]ModelTool, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].Definition
		schema := InputSchema{Type: "object", Properties: make(map[string]PropertySchema, len(def.Parameters))}
		for _, p := range def.Parameters {
			schema.Properties[p.Name] = PropertySchema{
				Type:        string(p.Type),
				Description: p.Description,
				Enum:        p.Enum,
			}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		tools = append(tools, ModelTool{Name: def.Name, Description: def.Description, InputSchema: schema})
	}
	return tools
}

// GenerateStubs emits JavaScript function declarations for the sandbox,
// one per tool. Each stub forwards to the bridge's __callTool__ and
// returns its result. Optional parameters are marked with a trailing '?'.
func (r *ToolRegistry) GenerateStubs() string {
	var b strings.Builder
	for _, name := range r.order {
		def := r.tools[name].Definition
		b.WriteString("// ")
		b.WriteString(def.Name)
		if def.Description != "" {
			b.WriteString(": ")
			b.WriteString(strings.ReplaceAll(def.Description, "\n", " "))
		}
		b.WriteString("\n")
		if len(def.Parameters) > 0 {
			b.WriteString("// params: ")
			for i, p := range def.Parameters {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(p.Name)
				if !p.Required {
					b.WriteString("?")
				}
				b.WriteString(" (")
				b.WriteString(string(p.Type))
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "async function %s(params) {\n  return await __callTool__(%q, params ?? {});\n}\n\n", def.Name, def.Name)
	}
	return b.String()
}

// Dispatch validates and executes the named tool. It never panics and
// never returns a Go error: every failure is a ToolResult with Success
// false and Error set.
func (r *ToolRegistry) Dispatch(name string, params map[string]any) ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return ToolResult{Success: false, Error: "unknown tool: " + name}
	}
	if params == nil {
		params = map[string]any{}
	}
	for _, p := range t.Definition.Parameters {
		val, present := params[p.Name]
		if !present {
			if p.Required {
				return ToolResult{Success: false, Error: fmt.Sprintf("missing required parameter: %s", p.Name)}
			}
			continue
		}
		if err := checkParamType(p, val); err != "" {
			return ToolResult{Success: false, Error: err}
		}
	}
	return invokeHandler(t.Handler, params)
}

// invokeHandler runs the handler with panic recovery and normalizes the
// result to the Error-iff-failure invariant.
func invokeHandler(h ToolHandler, params map[string]any) (result ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{Success: false, Error: fmt.Sprintf("tool panic: %v", p)}
		}
	}()
	result = h(params)
	if result.Success {
		result.Error = ""
	} else if result.Error == "" {
		result.Error = "tool failed"
	}
	return result
}

// checkParamType verifies a provided value against its declared type and
// enum. Returns an error string, or "" when valid.
func checkParamType(p ToolParam, val any) string {
	switch p.Type {
	case ParamString:
		if _, ok := val.(string); !ok {
			return typeError(p.Name, "string", val)
		}
	case ParamNumber:
		switch val.(type) {
		case float64, float32, int, int32, int64:
		default:
			return typeError(p.Name, "number", val)
		}
	case ParamBoolean:
		if _, ok := val.(bool); !ok {
			return typeError(p.Name, "boolean", val)
		}
	case ParamArray:
		if _, ok := val.([]any); !ok {
			return typeError(p.Name, "array", val)
		}
	case ParamObject:
		if _, ok := val.(map[string]any); !ok {
			return typeError(p.Name, "object", val)
		}
	}
	if len(p.Enum) > 0 {
		s := fmt.Sprint(val)
		for _, allowed := range p.Enum {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("parameter %s: value %q not in enum %v", p.Name, s, p.Enum)
	}
	return ""
}

func typeError(name, want string, got any) string {
	return fmt.Sprintf("parameter %s: expected %s, got %T", name, want, got)
}

// ExecuteCodeDefinition is the schema-visible definition of the
// execute_code tool. The agent loop intercepts it before dispatch.
func ExecuteCodeDefinition() Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        ToolExecuteCode,
			Description: "Execute JavaScript in a sandboxed runtime with access to all registered tools via generated stubs. Use output(data) to emit results.",
			Parameters: []ToolParam{
				{Name: "code", Type: ParamString, Description: "JavaScript source to execute", Required: true},
			},
		},
		Handler: sentinelHandler,
	}
}

// CompactContextDefinition is the schema-visible definition of the
// compact_context tool. The agent loop intercepts it before dispatch.
func CompactContextDefinition() Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        ToolCompactContext,
			Description: "Summarize and archive older conversation history to free context space. Archived summaries stay searchable via memory_read.",
			Parameters:  []ToolParam{},
		},
		Handler: sentinelHandler,
	}
}

func sentinelHandler(map[string]any) ToolResult {
	return ToolResult{Success: false, Error: loopDispatchSentinel}
}
