package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/agent/turn"
	"atelier/internal/logging"
)

type stubTool struct {
	name   string
	result *ToolResult
	err    error
	panics bool
	calls  int
}

func (s *stubTool) Execute(_ context.Context, call ToolCall, _ *turn.Context) (*ToolResult, error) {
	s.calls++
	if s.panics {
		panic("stub exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		out := *s.result
		out.CallID = call.ID
		return &out, nil
	}
	return Succeed(call, map[string]any{"tool": s.name}, "ok"), nil
}

func (s *stubTool) Definition() ToolDefinition {
	return ToolDefinition{Name: s.name, Description: s.name, Category: CategoryUtility}
}

func newTestRegistry() (*Registry, *logging.Recorder) {
	rec := logging.NewRecorder()
	return NewRegistry(rec), rec
}

func TestRegisterOverwritesWithWarning(t *testing.T) {
	reg, rec := newTestRegistry()
	first := &stubTool{name: "echo"}
	second := &stubTool{name: "echo"}

	reg.Register(first)
	reg.Register(second)

	res := reg.ExecuteNamed(context.Background(), "echo", nil, turn.New("org", "sess", "m"))
	require.True(t, res.Success)
	assert.Equal(t, 0, first.calls, "replaced executor must not run")
	assert.Equal(t, 1, second.calls, "last registration wins")
	assert.True(t, rec.Contains("re-registered"))
}

func TestExecuteUnknownToolListsRegisteredNames(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Register(&stubTool{name: "generate_image"})
	reg.Register(&stubTool{name: "note_read"})

	res := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "nope"}, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Message, "generate_image")
	assert.Contains(t, res.Message, "note_read")
	assert.Equal(t, "c1", res.CallID)
}

func TestExecuteParsesRawArguments(t *testing.T) {
	reg, _ := newTestRegistry()
	var seen map[string]any
	reg.Register(NewValidated(ToolDefinition{
		Name: "inspect",
		Parameters: ParameterSchema{
			Type:       "object",
			Properties: map[string]Property{"prompt": {Type: "string"}},
		},
	}, func(_ context.Context, call ToolCall, _ *turn.Context) (*ToolResult, error) {
		seen = call.Arguments
		return Succeed(call, nil, ""), nil
	}))

	res := reg.Execute(context.Background(), ToolCall{
		Name:         "inspect",
		RawArguments: `{"prompt": "a red fox"}`,
	}, nil)
	require.True(t, res.Success)
	assert.Equal(t, "a red fox", seen["prompt"])
}

func TestExecuteRepairsAlmostJSONArguments(t *testing.T) {
	reg, _ := newTestRegistry()
	var seen map[string]any
	reg.Register(&funcTool{name: "inspect", fn: func(call ToolCall) (*ToolResult, error) {
		seen = call.Arguments
		return Succeed(call, nil, ""), nil
	}})

	// Trailing comma and single quotes: typical truncated model output.
	res := reg.Execute(context.Background(), ToolCall{
		Name:         "inspect",
		RawArguments: `{'prompt': 'sunset', }`,
	}, nil)
	require.True(t, res.Success)
	assert.Equal(t, "sunset", seen["prompt"])
}

func TestExecuteReturnsParseFailureAsResult(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Register(&stubTool{name: "inspect"})

	res := reg.Execute(context.Background(), ToolCall{
		Name:         "inspect",
		RawArguments: `][`,
	}, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid tool arguments")
}

func TestExecuteConvertsErrorAndPanicToResult(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Register(&stubTool{name: "fails", err: errors.New("backend unavailable")})
	reg.Register(&stubTool{name: "blows", panics: true})

	res := reg.Execute(context.Background(), ToolCall{Name: "fails"}, nil)
	require.False(t, res.Success)
	assert.Equal(t, "backend unavailable", res.Error)

	res = reg.Execute(context.Background(), ToolCall{Name: "blows"}, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestExecuteManyPreservesOrderAndContinuesPastFailures(t *testing.T) {
	reg, rec := newTestRegistry()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		reg.Register(&funcTool{name: name, fn: func(call ToolCall) (*ToolResult, error) {
			order = append(order, name)
			if name == "b" {
				return nil, errors.New("b failed")
			}
			return Succeed(call, nil, name), nil
		}})
	}

	calls := []ToolCall{
		{ID: "1", Name: "a"},
		{ID: "2", Name: "b"},
		{Name: ""}, // malformed, skipped
		{ID: "3", Name: "c"},
	}
	results := reg.ExecuteMany(context.Background(), calls, nil)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, order, "strictly sequential in input order")
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, "3", results[2].CallID)
	assert.True(t, rec.Contains("malformed"))
}

func TestExecuteManyEmptyInput(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.Empty(t, reg.ExecuteMany(context.Background(), nil, nil))
}

func TestNamesSorted(t *testing.T) {
	reg, _ := newTestRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.Register(&stubTool{name: name})
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
	assert.True(t, reg.Has("mid"))
	assert.False(t, reg.Has("missing"))
}

// funcTool adapts a closure into an Executor for tests.
type funcTool struct {
	name string
	fn   func(call ToolCall) (*ToolResult, error)
}

func (f *funcTool) Execute(_ context.Context, call ToolCall, _ *turn.Context) (*ToolResult, error) {
	return f.fn(call)
}

func (f *funcTool) Definition() ToolDefinition {
	return ToolDefinition{Name: f.name, Description: fmt.Sprintf("test tool %s", f.name)}
}
