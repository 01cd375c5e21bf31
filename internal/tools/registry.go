package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"atelier/internal/agent/turn"
	"atelier/internal/logging"
)

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry. Isolated instances for tests or
// embedded use come from NewRegistry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(logging.NewComponentLogger("ToolRegistry"))
	})
	return defaultRegistry
}

// Registry maps tool names to executors and dispatches calls to them.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logging.OrNop(logger),
	}
}

// Register adds an executor under its definition name. Registering a name
// twice replaces the previous executor with a warning; executors can be
// hot-reloaded without a restart.
func (r *Registry) Register(executor Executor) {
	if executor == nil {
		r.logger.Warn("ignoring nil executor registration")
		return
	}
	name := executor.Definition().Name
	if name == "" {
		r.logger.Warn("ignoring executor registration with empty name")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		r.logger.Warn("tool %q re-registered, replacing previous executor", name)
	}
	r.executors[name] = executor
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the definitions of all registered tools, sorted by name.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.executors))
	for _, executor := range r.executors {
		defs = append(defs, executor.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[name]
	return executor, ok
}

// ExecuteNamed dispatches a bare (name, arguments) pair.
func (r *Registry) ExecuteNamed(ctx context.Context, name string, arguments map[string]any, tc *turn.Context) *ToolResult {
	return r.Execute(ctx, ToolCall{Name: name, Arguments: arguments}, tc)
}

// Execute dispatches one tool call and always returns a result: argument
// parse failures, unknown tools, executor errors and panics all come back as
// Success=false. No error from a tool executor escapes this boundary.
func (r *Registry) Execute(ctx context.Context, call ToolCall, tc *turn.Context) *ToolResult {
	if call.Name == "" {
		return Failure(call, "tool call has no name")
	}

	if call.Arguments == nil && call.RawArguments != "" {
		args, err := parseArguments(call.RawArguments)
		if err != nil {
			r.logger.Warn("tool %q: unparseable arguments: %v", call.Name, err)
			return Failure(call, "invalid tool arguments: %v", err)
		}
		call.Arguments = args
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	executor, ok := r.get(call.Name)
	if !ok {
		// Listing the registered set lets the model self-correct on the
		// next iteration instead of retrying a bad name blindly.
		return &ToolResult{
			CallID:  call.ID,
			Success: false,
			Error:   fmt.Sprintf("unknown tool %q", call.Name),
			Message: fmt.Sprintf("unknown tool %q; available tools: %s", call.Name, strings.Join(r.Names(), ", ")),
		}
	}

	return r.invoke(ctx, executor, call, tc)
}

func (r *Registry) invoke(ctx context.Context, executor Executor, call ToolCall, tc *turn.Context) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %q panicked: %v", call.Name, rec)
			result = Failure(call, "tool %s panicked: %v", call.Name, rec)
		}
	}()

	out, err := executor.Execute(ctx, call, tc)
	if err != nil {
		return Failure(call, "%v", err)
	}
	if out == nil {
		return Failure(call, "tool %s returned no result", call.Name)
	}
	if out.CallID == "" {
		out.CallID = call.ID
	}
	return out
}

// ExecuteMany runs calls strictly sequentially in input order, continuing
// past individual failures. Malformed entries (missing name) are skipped
// with a warning; every executed call yields exactly one result.
func (r *Registry) ExecuteMany(ctx context.Context, calls []ToolCall, tc *turn.Context) []*ToolResult {
	results := make([]*ToolResult, 0, len(calls))
	for i, call := range calls {
		if call.Name == "" {
			r.logger.Warn("skipping malformed tool call at index %d: missing name", i)
			continue
		}
		results = append(results, r.Execute(ctx, call, tc))
	}
	return results
}

// parseArguments decodes serialized tool arguments, repairing almost-JSON
// model output before giving up.
func parseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(trimmed)
	if repairErr != nil {
		return nil, fmt.Errorf("parse arguments: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("parse repaired arguments: %w", err)
	}
	return args, nil
}
