// Package durable provides a checkpointed step backend on Redis. Each named
// step's payload is recorded once per run; re-executing a run after a crash
// replays recorded steps as cached no-ops and resumes at the first
// un-executed step. Sleeps are stored as absolute deadlines so a restart
// mid-sleep only waits out the remainder.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"atelier/internal/logging"
)

// retention bounds how long run checkpoints and undelivered events survive.
const retention = 7 * 24 * time.Hour

// RedisBackend implements the task step-runner contract for one run id.
type RedisBackend struct {
	client *redis.Client
	runID  string
	logger logging.Logger
	now    func() time.Time
}

// NewRedisBackend scopes a checkpointed backend to runID. Two backends with
// the same run id share checkpoints; that is the point.
func NewRedisBackend(client *redis.Client, runID string, logger logging.Logger) *RedisBackend {
	return &RedisBackend{
		client: client,
		runID:  runID,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

func (b *RedisBackend) stepsKey() string {
	return "atelier:run:" + b.runID + ":steps"
}

func (b *RedisBackend) wakeKey(name string) string {
	return "atelier:run:" + b.runID + ":wake:" + name
}

func eventKey(channel string) string {
	return "atelier:event:" + channel
}

// RunStep returns the recorded payload when name already completed in this
// run, otherwise executes fn and records its payload. Failed executions are
// not recorded, so a retried run re-executes them.
func (b *RedisBackend) RunStep(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	cached, err := b.client.HGet(ctx, b.stepsKey(), name).Bytes()
	if err == nil {
		b.logger.Debug("run %s: step %q replayed from checkpoint", b.runID, name)
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read checkpoint %s/%s: %w", b.runID, name, err)
	}

	payload, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = []byte{}
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.stepsKey(), name, payload)
	pipe.Expire(ctx, b.stepsKey(), retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record checkpoint %s/%s: %w", b.runID, name, err)
	}
	return payload, nil
}

// Sleep suspends until the step's absolute deadline. The deadline is set on
// first execution; a replay after a crash sleeps only the remaining time,
// possibly zero.
func (b *RedisBackend) Sleep(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	key := b.wakeKey(name)

	deadline := b.now().Add(d)
	stored, err := b.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if parsed, parseErr := time.Parse(time.RFC3339Nano, stored); parseErr == nil {
			deadline = parsed
		}
	case errors.Is(err, redis.Nil):
		if err := b.client.Set(ctx, key, deadline.Format(time.RFC3339Nano), retention).Err(); err != nil {
			return fmt.Errorf("record wake deadline %s/%s: %w", b.runID, name, err)
		}
	default:
		return fmt.Errorf("read wake deadline %s/%s: %w", b.runID, name, err)
	}

	remaining := deadline.Sub(b.now())
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForEvent blocks on the channel's list until a payload arrives or
// timeout elapses. Exactly one waiter receives each payload.
func (b *RedisBackend) WaitForEvent(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLPop(ctx, timeout, eventKey(channel)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("timed out waiting for event %q after %s", channel, timeout)
		}
		return nil, fmt.Errorf("wait for event %q: %w", channel, err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return nil, fmt.Errorf("malformed event payload on %q", channel)
	}
	return []byte(res[1]), nil
}

// Notify lands payload on the channel's list, waking one waiter. The payload
// outlives a briefly-absent waiter up to the retention window.
func (b *RedisBackend) Notify(ctx context.Context, channel string, payload []byte) error {
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, eventKey(channel), payload)
	pipe.Expire(ctx, eventKey(channel), retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify %q: %w", channel, err)
	}
	return nil
}

// Clear drops all checkpoints for this run. Callers invoke it after a run
// reaches a terminal state they no longer need to resume.
func (b *RedisBackend) Clear(ctx context.Context) error {
	return b.client.Del(ctx, b.stepsKey()).Err()
}
