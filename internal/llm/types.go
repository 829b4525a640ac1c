// Package llm is the model-facing boundary: a provider-neutral request and
// response shape plus the Gemini implementation.
package llm

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool result back to the model.
	RoleTool Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolSpec declares a callable tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Request struct {
	System   string
	Messages []Message
	// Tools is empty for the final call of a turn.
	Tools []ToolSpec
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client generates one model response.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
