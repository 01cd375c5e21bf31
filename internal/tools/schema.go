package tools

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"atelier/internal/agent/turn"
)

// RunFunc is the body of a schema-validated tool: it receives arguments that
// already passed schema validation.
type RunFunc func(ctx context.Context, call ToolCall, tc *turn.Context) (*ToolResult, error)

type validatedTool struct {
	def ToolDefinition
	run RunFunc
}

// NewValidated wraps run with def's parameter schema. This wrapper is the
// single point where loosely-typed tool-call arguments become trusted
// values: on violation it returns a failed result naming every bad field.
func NewValidated(def ToolDefinition, run RunFunc) Executor {
	return &validatedTool{def: def, run: run}
}

func (t *validatedTool) Definition() ToolDefinition {
	return t.def
}

func (t *validatedTool) Execute(ctx context.Context, call ToolCall, tc *turn.Context) (*ToolResult, error) {
	if violations := validateArguments(t.def.Parameters, call.Arguments); len(violations) > 0 {
		return Failure(call, "Invalid parameters: %s", strings.Join(violations, ", ")), nil
	}
	return t.run(ctx, call, tc)
}

// validateArguments checks args against schema, collecting every violation
// rather than stopping at the first.
func validateArguments(schema ParameterSchema, args map[string]any) []string {
	var violations []string

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
		if _, ok := args[name]; !ok {
			violations = append(violations, fmt.Sprintf("%s: required", name))
		}
	}

	fields := make([]string, 0, len(args))
	for name := range args {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	for _, name := range fields {
		value := args[name]
		prop, ok := schema.Properties[name]
		if !ok {
			continue // unknown fields pass through untouched
		}
		if value == nil {
			if required[name] {
				violations = append(violations, fmt.Sprintf("%s: must not be null", name))
			}
			continue
		}
		if msg := checkType(prop.Type, value); msg != "" {
			violations = append(violations, fmt.Sprintf("%s: %s", name, msg))
			continue
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
			violations = append(violations, fmt.Sprintf("%s: must be one of %v", name, prop.Enum))
		}
	}

	return violations
}

func checkType(expected string, value any) string {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case "number":
		if !isNumber(value) {
			return "must be a number"
		}
	case "integer":
		if !isInteger(value) {
			return "must be an integer"
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return "must be an object"
		}
	case "array":
		if reflect.ValueOf(value).Kind() != reflect.Slice {
			return "must be an array"
		}
	}
	return ""
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	}
	return false
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if candidate == value {
			return true
		}
		// JSON decoding yields float64 for all numbers; compare loosely.
		if cf, ok := toFloat(candidate); ok {
			if vf, ok := toFloat(value); ok && cf == vf {
				return true
			}
		}
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
