package polaris

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Domain types (database records) ---

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ContentBlock is one element of a message body. Type selects which of the
// remaining fields are meaningful: text blocks carry Text; tool_use blocks
// carry ID, Name, and Input; tool_result blocks carry ToolUseID, Content,
// and IsError.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block referencing the
// tool_use block it answers.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ConversationMessage is one record per conversational turn or tool
// interaction. Within a conversation, ordering by (CreatedAt, ID) is total
// and monotonic with insertion; IDs are time-sortable UUIDv7 so the ID
// tie-break preserves insertion order inside one timestamp.
type ConversationMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        []ContentBlock `json:"content"`
	CreatedAt      int64          `json:"created_at"` // Unix milliseconds
}

// PlainMessage creates a message whose content is a single text block.
func PlainMessage(conversationID, role, text string) ConversationMessage {
	return ConversationMessage{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        []ContentBlock{TextBlock(text)},
		CreatedAt:      NowUnixMilli(),
	}
}

// Text concatenates the message's text blocks.
func (m ConversationMessage) Text() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockTypeText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the message's tool_use blocks in order.
func (m ConversationMessage) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range m.Content {
		if blk.Type == BlockTypeToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// --- Tool types ---

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// ToolParam declares one parameter of a tool.
type ToolParam struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Enum        []string  `json:"enum,omitempty"`
}

// ToolDefinition describes a tool: its name, purpose, and ordered
// parameter list.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ToolParam `json:"parameters"`
}

// ToolResult is the outcome of a tool execution. Error is set exactly when
// Success is false; the registry normalizes handler results to keep that
// invariant.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// ToolHandler executes a tool call with validated parameters.
type ToolHandler func(params map[string]any) ToolResult

// Tool pairs a definition with its handler.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// --- Model protocol types ---

// Stop reasons reported by a model completion.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// ModelTool is a tool definition in the shape the model expects.
type ModelTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is the object schema of a model tool's input.
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema describes one property of an input schema.
type PropertySchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// CompletionRequest is the input to ModelProvider.Complete.
type CompletionRequest struct {
	System      string                `json:"system,omitempty"`
	Messages    []ConversationMessage `json:"messages"`
	Model       string                `json:"model"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature *float64              `json:"temperature,omitempty"`
	Tools       []ModelTool           `json:"tools,omitempty"`
}

// CompletionResponse is the output of ModelProvider.Complete.
type CompletionResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r CompletionResponse) Text() string {
	var b strings.Builder
	for _, blk := range r.Content {
		if blk.Type == BlockTypeText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream event types, in emission order for one response.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventMessageStop       = "message_stop"
)

// StreamEvent is one event from ModelProvider.Stream.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`
}

// --- Compaction types ---

// SummaryBatch is the archival artifact produced by one compaction chunk.
// Depth 0 batches summarize raw messages; depth N+1 batches summarize
// batches of depth at most N. MessageCount is the original message count
// the batch represents, summed transitively through re-summarization.
type SummaryBatch struct {
	Content      string    `json:"content"`
	Depth        int       `json:"depth"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	MessageCount int       `json:"message_count"`
}

// Header renders the metadata line embedded in the archived block content
// so the batch is reconstructible from storage.
func (b SummaryBatch) Header() string {
	return fmt.Sprintf("[depth:%d|start:%s|end:%s|count:%d]",
		b.Depth, b.StartTime.UTC().Format(time.RFC3339), b.EndTime.UTC().Format(time.RFC3339), b.MessageCount)
}

// ArchiveContent is the full block content: header line plus summary body.
func (b SummaryBatch) ArchiveContent() string {
	return b.Header() + "\n" + b.Content
}

// ParseBatchHeader reconstructs a SummaryBatch from archived block content.
// Returns false when the content does not begin with a metadata header.
func ParseBatchHeader(content string) (SummaryBatch, bool) {
	line, body, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(line, "[depth:") || !strings.HasSuffix(line, "]") {
		return SummaryBatch{}, false
	}
	var batch SummaryBatch
	for _, field := range strings.Split(strings.Trim(line, "[]"), "|") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			return SummaryBatch{}, false
		}
		// The start/end values contain ':' themselves; Cut keeps them intact
		// because it splits on the first separator only.
		switch key {
		case "depth":
			if _, err := fmt.Sscanf(val, "%d", &batch.Depth); err != nil {
				return SummaryBatch{}, false
			}
		case "start":
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return SummaryBatch{}, false
			}
			batch.StartTime = t
		case "end":
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return SummaryBatch{}, false
			}
			batch.EndTime = t
		case "count":
			if _, err := fmt.Sscanf(val, "%d", &batch.MessageCount); err != nil {
				return SummaryBatch{}, false
			}
		}
	}
	batch.Content = body
	return batch, true
}

// --- Memory types ---

// MemoryTier classifies a memory block's retention class.
type MemoryTier string

const (
	TierCore     MemoryTier = "core"
	TierWorking  MemoryTier = "working"
	TierArchival MemoryTier = "archival"
)

// MemoryPermission controls who may mutate a block.
type MemoryPermission string

const (
	PermReadOnly  MemoryPermission = "readonly"
	PermReadWrite MemoryPermission = "readwrite"
	// PermFamiliar blocks accept no direct writes; Write returns a pending
	// mutation ticket instead of applying.
	PermFamiliar MemoryPermission = "familiar"
)

// MemoryBlock is a unit of agent memory owned by the memory collaborator.
type MemoryBlock struct {
	ID         string           `json:"id"`
	Owner      string           `json:"owner"`
	Tier       MemoryTier       `json:"tier"`
	Label      string           `json:"label"`
	Content    string           `json:"content"`
	Embedding  []float32        `json:"-"`
	Permission MemoryPermission `json:"permission"`
	Pinned     bool             `json:"pinned"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// --- JSON helpers ---

// MarshalContent serializes content blocks for storage.
func MarshalContent(blocks []ContentBlock) (string, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	return string(data), nil
}

// UnmarshalContent deserializes stored content. Plain strings (legacy rows
// or hand-inserted fixtures) become a single text block.
func UnmarshalContent(data string) ([]ContentBlock, error) {
	trimmed := strings.TrimSpace(data)
	if !strings.HasPrefix(trimmed, "[") {
		return []ContentBlock{TextBlock(data)}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(data), &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return blocks, nil
}
