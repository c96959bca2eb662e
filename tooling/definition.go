// Package tooling provides the tool catalog and the execution gateway
// that runs tool calls on behalf of the agent loop: schema-typed
// registration, permission pre-checks, and large-output offloading.
package tooling

import (
	"context"
	"encoding/json"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

// ServerInfo identifies the server a tool belongs to. Built-in tools use
// the reserved server name "builtin".
type ServerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icons       string `json:"icons,omitempty"`
}

// BuiltinServer is the server identity of locally implemented tools.
var BuiltinServer = ServerInfo{Name: "builtin", Description: "Built-in tools"}

// PermissionSpec declares the permission a tool needs before running.
// Tools without one execute immediately.
type PermissionSpec struct {
	Type        string `json:"type"` // "read", "write", "all", "command"
	Description string `json:"description,omitempty"`
}

// Definition describes one callable tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Server      ServerInfo      `json:"server"`
	Permission  *PermissionSpec `json:"permission,omitempty"`
}

// ModelDef converts a definition into the wire shape providers expect.
func (d Definition) ModelDef() modelkit.ToolDef {
	var schema any
	if len(d.InputSchema) > 0 {
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object"}
		}
	} else {
		schema = map[string]any{"type": "object"}
	}
	return modelkit.ToolDef{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

// Result is what a tool handler produces. Content goes back to the model;
// Raw is kept for consumers that want the untruncated value.
type Result struct {
	Content string
	Raw     any
	IsError bool
}

// Handler executes one tool call with raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)
