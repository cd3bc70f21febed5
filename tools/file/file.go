// Package file provides file_read and file_write tools confined to the
// agent's working directory.
package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	polaris "github.com/aelish/polaris"
)

const maxReadBytes = 256 * 1024

// Tools returns the file_read and file_write tools rooted at workDir.
func Tools(workDir string) []polaris.Tool {
	return []polaris.Tool{readTool(workDir), writeTool(workDir)}
}

// resolve joins path under workDir and rejects escapes.
func resolve(workDir, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	full := filepath.Clean(filepath.Join(workDir, path))
	rel, err := filepath.Rel(workDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return full, nil
}

func readTool(workDir string) polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "file_read",
			Description: "Read a file from the working directory.",
			Parameters: []polaris.ToolParam{
				{Name: "path", Type: polaris.ParamString, Description: "Path relative to the working directory", Required: true},
			},
		},
		Handler: func(params map[string]any) polaris.ToolResult {
			path, _ := params["path"].(string)
			full, err := resolve(workDir, path)
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return polaris.ToolResult{Success: true, Output: string(data)}
		},
	}
}

func writeTool(workDir string) polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "file_write",
			Description: "Write a file in the working directory, creating parent directories as needed.",
			Parameters: []polaris.ToolParam{
				{Name: "path", Type: polaris.ParamString, Description: "Path relative to the working directory", Required: true},
				{Name: "content", Type: polaris.ParamString, Description: "File content", Required: true},
			},
		},
		Handler: func(params map[string]any) polaris.ToolResult {
			path, _ := params["path"].(string)
			content, _ := params["content"].(string)
			full, err := resolve(workDir, path)
			if err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return polaris.ToolResult{Success: false, Error: err.Error()}
			}
			return polaris.ToolResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
		},
	}
}
