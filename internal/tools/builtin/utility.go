package builtin

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/agent/turn"
	"atelier/internal/tools"
)

// ThinkTool records a reasoning step. It has no side effects; its value is
// that the thought lands in the turn history where later calls can see it.
func ThinkTool() tools.Executor {
	def := tools.ToolDefinition{
		Name:        "think",
		Description: "Record a thought or plan. Use before multi-step generation work.",
		Category:    tools.CategoryUtility,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"thought": {Type: "string", Description: "The reasoning to record."},
			},
			Required: []string{"thought"},
		},
	}
	return tools.NewValidated(def, func(_ context.Context, call tools.ToolCall, tc *turn.Context) (*tools.ToolResult, error) {
		thought, _ := call.Arguments["thought"].(string)
		tc.AppendHistory("assistant", thought)
		return tools.Succeed(call, nil, "thought recorded"), nil
	})
}

// NoteReadTool reads a named note from the turn's note store. Editing flows
// read first: note_write refuses to overwrite a note this turn has not
// fetched.
func NoteReadTool() tools.Executor {
	def := tools.ToolDefinition{
		Name:        "note_read",
		Description: "Read a named note from the session scratchpad.",
		Category:    tools.CategoryUtility,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"name": {Type: "string", Description: "Note name."},
			},
			Required: []string{"name"},
		},
	}
	return tools.NewValidated(def, func(_ context.Context, call tools.ToolCall, tc *turn.Context) (*tools.ToolResult, error) {
		name, _ := call.Arguments["name"].(string)
		content, ok := tc.Notes.Get(name)
		if !ok {
			names := tc.Notes.Names()
			if len(names) == 0 {
				return tools.Failure(call, "note %q not found; no notes exist yet", name), nil
			}
			return tools.Failure(call, "note %q not found; existing notes: %s", name, strings.Join(names, ", ")), nil
		}
		return tools.Succeed(call, map[string]any{
			"name":    name,
			"content": content,
		}, fmt.Sprintf("read note %q", name)), nil
	})
}

// NoteWriteTool creates or updates a named note. Updates require the note
// to have been read earlier in the same turn, which forces sequential
// read-then-edit call ordering.
func NoteWriteTool() tools.Executor {
	def := tools.ToolDefinition{
		Name:        "note_write",
		Description: "Create or update a named note on the session scratchpad. Read an existing note before updating it.",
		Category:    tools.CategoryUtility,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"name":    {Type: "string", Description: "Note name."},
				"content": {Type: "string", Description: "Full note content; replaces any previous content."},
			},
			Required: []string{"name", "content"},
		},
	}
	return tools.NewValidated(def, func(_ context.Context, call tools.ToolCall, tc *turn.Context) (*tools.ToolResult, error) {
		name, _ := call.Arguments["name"].(string)
		content, _ := call.Arguments["content"].(string)

		if tc.Notes.Has(name) && !tc.Notes.WasRead(name) {
			return tools.Failure(call, "note %q exists; read it before overwriting", name), nil
		}
		tc.Notes.Set(name, content)
		return tools.Succeed(call, map[string]any{"name": name}, fmt.Sprintf("wrote note %q", name)), nil
	})
}
