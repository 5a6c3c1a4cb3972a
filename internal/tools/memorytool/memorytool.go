// Package memorytool exposes the memory manager to the agent as a tool, so
// the model can recall prior long-term facts and session history instead of
// only relying on the transcript packed into its own context window.
// Grounded on the teacher's pattern of one thin tool per subsystem
// (internal/tools/jobs, internal/tools/reminders), wrapping an
// already-constructed manager rather than opening its own storage.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

// SearchTool searches long-term and daily memory for entries relevant to a
// query.
type SearchTool struct {
	manager *memory.Manager
}

// NewSearchTool creates a memory search tool. A nil manager makes the tool
// report memory as disabled rather than erroring on every call, matching how
// memory.NewManager returns (nil, nil) for a disabled configuration.
func NewSearchTool(manager *memory.Manager) *SearchTool {
	return &SearchTool{manager: manager}
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Search stored long-term and daily memory for entries relevant to a query."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search text."},
			"type": {"type": "string", "enum": ["long_term", "daily", "session"], "description": "Restrict the search to one memory type."},
			"tags": {"type": "array", "items": {"type": "string"}, "description": "Restrict the search to entries carrying all of these tags."},
			"limit": {"type": "integer", "minimum": 1, "description": "Maximum entries to return (default 10)."}
		},
		"required": ["query"]
	}`)
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("memory is disabled"), nil
	}
	var input struct {
		Query string   `json:"query"`
		Type  string   `json:"type"`
		Tags  []string `json:"tags"`
		Limit int      `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return toolError("query is required"), nil
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}

	entries, err := t.manager.Search(ctx, input.Query, models.MemoryType(input.Type), input.Tags, input.Limit)
	if err != nil {
		return toolError(fmt.Sprintf("search memory: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]any{"entries": entries}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// SaveTool persists a new long-term or daily memory entry.
type SaveTool struct {
	manager *memory.Manager
}

func NewSaveTool(manager *memory.Manager) *SaveTool {
	return &SaveTool{manager: manager}
}

func (t *SaveTool) Name() string { return "memory_save" }

func (t *SaveTool) Description() string {
	return "Save a fact or note to long-term memory for future recall."
}

func (t *SaveTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Text to remember."},
			"tags": {"type": "array", "items": {"type": "string"}, "description": "Optional tags for later retrieval."}
		},
		"required": ["content"]
	}`)
}

func (t *SaveTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("memory is disabled"), nil
	}
	var input struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return toolError("content is required"), nil
	}

	entry := &models.MemoryEntry{
		Type:    models.MemoryTypeLongTerm,
		Content: input.Content,
		Tags:    input.Tags,
	}
	if err := t.manager.Save(ctx, entry); err != nil {
		return toolError(fmt.Sprintf("save memory: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]any{"id": entry.ID, "saved": true}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
