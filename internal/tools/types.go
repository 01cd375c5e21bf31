package tools

import (
	"context"
	"fmt"

	"atelier/internal/agent/turn"
)

// Tool categories used by ToolDefinition.Category.
const (
	CategoryGeneration = "generation"
	CategoryUtility    = "utility"
)

// ToolCall represents a request to execute a tool. Arguments may arrive
// already structured, or serialized in RawArguments when the model returned
// a JSON string; the dispatcher parses the raw form exactly once.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// ToolResult is the uniform execution result every caller consumes. It is
// always returned, never raised: executor errors and panics are folded into
// Success=false at the dispatcher boundary.
type ToolResult struct {
	CallID  string         `json:"call_id,omitempty"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Failure builds a failed result for a call.
func Failure(call ToolCall, format string, args ...any) *ToolResult {
	return &ToolResult{
		CallID:  call.ID,
		Success: false,
		Error:   fmt.Sprintf(format, args...),
	}
}

// Succeed builds a successful result for a call.
func Succeed(call ToolCall, data map[string]any, message string) *ToolResult {
	return &ToolResult{
		CallID:  call.ID,
		Success: true,
		Data:    data,
		Message: message,
	}
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  ParameterSchema  `json:"parameters"`
	Returns     *ParameterSchema `json:"returns,omitempty"`
	Category    string           `json:"category,omitempty"`
}

// ParameterSchema defines tool parameters (JSON Schema subset).
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// Executor executes a single tool call.
type Executor interface {
	// Execute runs the tool. Returning an error is the executor's failure
	// channel; the dispatcher converts it into a failed ToolResult.
	Execute(ctx context.Context, call ToolCall, tc *turn.Context) (*ToolResult, error)

	// Definition returns the tool's schema.
	Definition() ToolDefinition
}
