package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Backend executes the state machine's named phases. The inline
// implementation below runs everything in-process; internal/durable provides
// a checkpointed variant that survives restarts by replaying finished steps
// as cached no-ops. The retry/timeout/terminal logic in Machine is written
// once against this interface.
type Backend interface {
	// RunStep executes fn under a durable name. A checkpointing backend
	// returns the recorded payload without re-running fn when the step
	// already completed.
	RunStep(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error)

	// Sleep suspends the run for d under a durable name.
	Sleep(ctx context.Context, name string, d time.Duration) error

	// WaitForEvent suspends until Notify lands a payload on channel, or
	// timeout elapses.
	WaitForEvent(ctx context.Context, channel string, timeout time.Duration) ([]byte, error)

	// Notify wakes the waiter on channel with payload.
	Notify(ctx context.Context, channel string, payload []byte) error
}

// InlineBackend runs steps directly with no checkpointing: the right choice
// for short-lived callers that hold the whole poll loop in one process.
type InlineBackend struct {
	mu       sync.Mutex
	channels map[string]chan []byte
}

func NewInlineBackend() *InlineBackend {
	return &InlineBackend{channels: make(map[string]chan []byte)}
}

func (b *InlineBackend) RunStep(ctx context.Context, _ string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return fn(ctx)
}

func (b *InlineBackend) Sleep(ctx context.Context, _ string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *InlineBackend) channel(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		// Buffered so a notify that lands before the waiter arrives is
		// not lost.
		ch = make(chan []byte, 1)
		b.channels[name] = ch
	}
	return ch
}

func (b *InlineBackend) WaitForEvent(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	ch := b.channel(channel)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for event %q after %s", channel, timeout)
	case payload := <-ch:
		return payload, nil
	}
}

func (b *InlineBackend) Notify(_ context.Context, channel string, payload []byte) error {
	select {
	case b.channel(channel) <- payload:
		return nil
	default:
		return fmt.Errorf("event channel %q already has an undelivered payload", channel)
	}
}

// InlineBackends hands out one shared InlineBackend per task id, so a waiter
// and the callback handler that notifies it meet on the same channels.
type InlineBackends struct {
	mu       sync.Mutex
	backends map[string]*InlineBackend
}

func NewInlineBackends() *InlineBackends {
	return &InlineBackends{backends: make(map[string]*InlineBackend)}
}

// For returns the backend for taskID, creating it on first use.
func (s *InlineBackends) For(taskID string) Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[taskID]
	if !ok {
		b = NewInlineBackend()
		s.backends[taskID] = b
	}
	return b
}

// Forget drops a task's backend once its run is terminal.
func (s *InlineBackends) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, taskID)
}
