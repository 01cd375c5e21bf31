package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atelier/internal/provider"
)

// ResultChannel names the event channel a waiter suspends on for a task's
// result. One channel per task id ties the notifier to exactly one waiter.
func ResultChannel(taskID string) string {
	return "task-result:" + taskID
}

// resultEvent is the payload carried over the result channel.
type resultEvent struct {
	Status  Status       `json:"status"`
	Results []ResultItem `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// NotifyResult applies a terminal provider response that arrived from a
// different execution context (a remote tool reporting back via callback)
// and wakes the waiter suspended on the task's result channel. Applying the
// same terminal state twice is a no-op.
func (m *Machine) NotifyResult(ctx context.Context, backend Backend, taskID string, resp provider.PollResponse) (*Task, error) {
	t, err := m.store.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var final *Task
	if t.Status.Terminal() {
		final = t
	} else {
		switch resp.Status {
		case provider.StatusCompleted:
			final, err = m.complete(ctx, backend, t, resp)
		case provider.StatusFailed:
			reason := resp.Error
			if reason == "" {
				reason = "provider reported failure without detail"
			}
			final, err = m.failTask(ctx, t, "provider", reason)
		default:
			return nil, fmt.Errorf("callback for task %s carries non-terminal status %q", taskID, resp.Status)
		}
		if err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(resultEvent{
		Status:  final.Status,
		Results: final.Results,
		Error:   final.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("encode result event: %w", err)
	}
	if err := backend.Notify(ctx, ResultChannel(taskID), payload); err != nil {
		// The terminal state is already durable; a missing waiter can still
		// read it from the store.
		m.logger.Warn("task %s: notify waiter: %v", taskID, err)
	}
	return final, nil
}

// AwaitResult suspends until the task's result event lands or timeout
// elapses, then returns the terminal task record. This is the cross-context
// counterpart of Run: the poll loop happens elsewhere and only the outcome
// travels back.
func (m *Machine) AwaitResult(ctx context.Context, backend Backend, taskID string, timeout time.Duration) (*Task, error) {
	payload, err := backend.WaitForEvent(ctx, ResultChannel(taskID), timeout)
	if err != nil {
		// The event may have been consumed by an earlier crashed waiter;
		// fall back to the durable record before giving up.
		if t, findErr := m.store.FindByID(ctx, taskID); findErr == nil && t.Status.Terminal() {
			return t, nil
		}
		return nil, err
	}

	var event resultEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode result event: %w", err)
	}
	return m.store.FindByID(ctx, taskID)
}
