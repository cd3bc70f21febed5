// Package recall exposes the agent's memory manager as tools: models read
// archived context (including compaction batches) with memory_read, save
// notes with memory_write, and browse tiers with memory_list.
package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	polaris "github.com/aelish/polaris"
)

// Tools returns the memory_read, memory_write, and memory_list tools
// bound to mem.
func Tools(mem polaris.MemoryManager) []polaris.Tool {
	return []polaris.Tool{readTool(mem), writeTool(mem), listTool(mem)}
}

var tierEnum = []string{string(polaris.TierCore), string(polaris.TierWorking), string(polaris.TierArchival)}

func readTool(mem polaris.MemoryManager) polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "memory_read",
			Description: "Search memory blocks, including archived conversation summaries, by query.",
			Parameters: []polaris.ToolParam{
				{Name: "query", Type: polaris.ParamString, Description: "Search text", Required: true},
				{Name: "limit", Type: polaris.ParamNumber, Description: "Maximum results (default 5)"},
				{Name: "tier", Type: polaris.ParamString, Description: "Restrict to one tier", Enum: tierEnum},
			},
		},
		Handler: func(params map[string]any) polaris.ToolResult {
			query, _ := params["query"].(string)
			limit := 0
			if n, ok := params["limit"].(float64); ok {
				limit = int(n)
			}
			tier, _ := params["tier"].(string)

			blocks, err := mem.Read(context.Background(), query, limit, polaris.MemoryTier(tier))
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			if len(blocks) == 0 {
				return polaris.ToolResult{Success: true, Output: "no matching memory blocks"}
			}
			var b strings.Builder
			for _, blk := range blocks {
				fmt.Fprintf(&b, "[%s | %s]\n%s\n\n", blk.Label, blk.Tier, blk.Content)
			}
			return polaris.ToolResult{Success: true, Output: strings.TrimSpace(b.String())}
		},
	}
}

func writeTool(mem polaris.MemoryManager) polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "memory_write",
			Description: "Create or update a memory block. Writes to familiar blocks become pending mutations awaiting approval.",
			Parameters: []polaris.ToolParam{
				{Name: "label", Type: polaris.ParamString, Description: "Unique block label", Required: true},
				{Name: "content", Type: polaris.ParamString, Description: "Block content", Required: true},
				{Name: "tier", Type: polaris.ParamString, Description: "Target tier (default working)", Enum: tierEnum},
				{Name: "reason", Type: polaris.ParamString, Description: "Why this write matters"},
			},
		},
		Handler: func(params map[string]any) polaris.ToolResult {
			label, _ := params["label"].(string)
			content, _ := params["content"].(string)
			tier, _ := params["tier"].(string)
			reason, _ := params["reason"].(string)

			res, err := mem.Write(context.Background(), label, content, polaris.MemoryTier(tier), reason)
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			if res.Error != "" {
				return polaris.ToolResult{Success: false, Error: res.Error}
			}
			if res.Mutation != nil {
				return polaris.ToolResult{Success: true, Output: "write pending approval, ticket " + res.Mutation.ID}
			}
			return polaris.ToolResult{Success: true, Output: "saved " + label}
		},
	}
}

func listTool(mem polaris.MemoryManager) polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "memory_list",
			Description: "List memory blocks, optionally by tier.",
			Parameters: []polaris.ToolParam{
				{Name: "tier", Type: polaris.ParamString, Description: "Restrict to one tier", Enum: tierEnum},
			},
		},
		Handler: func(params map[string]any) polaris.ToolResult {
			tier, _ := params["tier"].(string)
			blocks, err := mem.List(context.Background(), polaris.MemoryTier(tier))
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			type entry struct {
				Label string `json:"label"`
				Tier  string `json:"tier"`
				Size  int    `json:"size"`
			}
			entries := make([]entry, len(blocks))
			for i, blk := range blocks {
				entries[i] = entry{Label: blk.Label, Tier: string(blk.Tier), Size: len(blk.Content)}
			}
			data, err := json.Marshal(entries)
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			return polaris.ToolResult{Success: true, Output: string(data)}
		},
	}
}
