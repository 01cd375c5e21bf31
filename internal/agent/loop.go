// Package agent runs one guarded turn: claim the session, dispatch the
// assistant's tool calls in order, release the session.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"atelier/internal/agent/turn"
	"atelier/internal/logging"
	"atelier/internal/session"
	"atelier/internal/tools"
)

// TurnRequest is one assistant step to execute against a session. Tool
// calls arrive structured, or serialized in RawToolCalls when an upstream
// model emitted them as a JSON string.
type TurnRequest struct {
	SessionID string           `json:"session_id"`
	ToolCalls []tools.ToolCall `json:"tool_calls,omitempty"`

	// RawToolCalls is a JSON array of tool calls; parsed (with repair)
	// when ToolCalls is empty.
	RawToolCalls string `json:"raw_tool_calls,omitempty"`
}

// Loop executes turns under the session guard.
type Loop struct {
	guard    *session.Guard
	registry *tools.Registry
	logger   logging.Logger

	// terminal names tools whose completion ends the turn early.
	terminal map[string]bool
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithTerminalTools marks tool names that end the turn once executed;
// remaining calls in the same request are skipped.
func WithTerminalTools(names ...string) LoopOption {
	return func(l *Loop) {
		for _, name := range names {
			l.terminal[name] = true
		}
	}
}

// NewLoop wires a turn runner.
func NewLoop(guard *session.Guard, registry *tools.Registry, logger logging.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		guard:    guard,
		registry: registry,
		logger:   logging.OrNop(logger),
		terminal: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunTurn claims the session, executes the request's tool calls strictly in
// order, and releases the session. The session is released on every exit
// path, including parse failures, so a failed turn never wedges the
// session. A second turn against a claimed session gets
// session.ErrTurnInFlight.
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest, tc *turn.Context) ([]*tools.ToolResult, error) {
	if err := l.guard.Begin(ctx, req.SessionID); err != nil {
		return nil, err
	}
	defer l.guard.Release(ctx, req.SessionID)

	calls, err := l.parseCalls(req)
	if err != nil {
		return nil, err
	}

	results := make([]*tools.ToolResult, 0, len(calls))
	for i, call := range calls {
		if call.Name == "" {
			l.logger.Warn("turn %s: skipping tool call %d with empty name", req.SessionID, i)
			continue
		}
		result := l.registry.Execute(ctx, call, tc)
		results = append(results, result)

		if l.terminal[call.Name] && result.Success {
			if i < len(calls)-1 {
				l.logger.Info("turn %s: %s ended the turn, skipping %d remaining call(s)",
					req.SessionID, call.Name, len(calls)-1-i)
			}
			break
		}
	}
	return results, nil
}

// parseCalls returns the structured calls, or decodes the serialized form
// with the same repair fallback the dispatcher applies to arguments.
func (l *Loop) parseCalls(req TurnRequest) ([]tools.ToolCall, error) {
	if len(req.ToolCalls) > 0 {
		return req.ToolCalls, nil
	}
	if req.RawToolCalls == "" {
		return nil, nil
	}

	raw := req.RawToolCalls
	var calls []tools.ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("parse tool calls: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &calls); err != nil {
			return nil, fmt.Errorf("parse repaired tool calls: %w", err)
		}
	}
	return calls, nil
}
