package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "atelier/internal/errors"
	"atelier/internal/logging"
	"atelier/internal/observability"
	"atelier/internal/provider"
)

// Scope identifies who owns a materialized artifact.
type Scope struct {
	OrganizationID string
	TaskID         string
}

// Materializer downloads provider-hosted results into owned storage and
// signs storage keys back into temporary URLs for resubmission.
type Materializer interface {
	Restore(ctx context.Context, scope Scope, item provider.ResultItem) (ResultItem, error)
	SignURL(ctx context.Context, storageKey string, ttl time.Duration) (string, error)
}

// Ledger settles generation cost against an organization's credit balance.
type Ledger interface {
	CalculateCost(model string, params map[string]any, raw map[string]any) float64
	Decrement(ctx context.Context, organizationID string, amount float64) error
}

// Limiter applies per-organization flow control around provider submission.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
	Release(key string)
}

// RunOptions bound one poll loop. Timeout is task-type-specific: catalog
// entries give images a short budget and video or speech a long one.
type RunOptions struct {
	Timeout    time.Duration
	RetryDelay time.Duration
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Machine drives tasks through submit → poll → terminal state. All record
// mutations go through here; readers never write.
type Machine struct {
	store        Store
	gateway      provider.Gateway
	materializer Materializer
	ledger       Ledger
	limiter      Limiter
	metrics      *observability.Metrics
	logger       logging.Logger
	now          func() time.Time
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithLimiter applies per-organization flow control to submissions.
func WithLimiter(l Limiter) MachineOption {
	return func(m *Machine) { m.limiter = l }
}

// WithMetrics records stage metrics on the given collectors.
func WithMetrics(metrics *observability.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine wires a state machine over its collaborators.
func NewMachine(store Store, gateway provider.Gateway, materializer Materializer, ledger Ledger, logger logging.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		store:        store,
		gateway:      gateway,
		materializer: materializer,
		ledger:       ledger,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// signedURLTTL bounds how long a resolved storage reference stays valid; it
// only needs to outlive provider-side download of the input.
const signedURLTTL = time.Hour

// Submit resolves storage references in params, submits the task to the
// provider, and moves it pending → processing atomically with persisting the
// external id. A submission failure records the task failed, never leaving
// it stuck in pending, and is also returned to the caller.
func (m *Machine) Submit(ctx context.Context, backend Backend, t *Task) error {
	started := m.now()

	resolvedRaw, err := backend.RunStep(ctx, "prepare", func(ctx context.Context) ([]byte, error) {
		resolved, err := m.resolveParams(ctx, t.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resolved)
	})
	if err != nil {
		m.observe("prepare", "error", started)
		return m.failSubmission(ctx, t, fmt.Errorf("prepare params: %w", err))
	}
	var params map[string]any
	if err := json.Unmarshal(resolvedRaw, &params); err != nil {
		return m.failSubmission(ctx, t, fmt.Errorf("decode prepared params: %w", err))
	}

	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx, t.OrganizationID); err != nil {
			return m.failSubmission(ctx, t, fmt.Errorf("acquire submission slot: %w", err))
		}
		defer m.limiter.Release(t.OrganizationID)
	}

	externalRaw, err := backend.RunStep(ctx, "submit", func(ctx context.Context) ([]byte, error) {
		externalID, err := m.gateway.Submit(ctx, t.Model, params)
		if err != nil {
			return nil, err
		}
		return []byte(externalID), nil
	})
	if err != nil {
		m.observe("submit", "error", started)
		return m.failSubmission(ctx, t, err)
	}
	externalID := string(externalRaw)

	updated, err := m.store.UpdateStatus(ctx, t.ID, Patch{
		Status:     patchStatus(StatusProcessing),
		ExternalID: patchString(externalID),
	})
	if err != nil {
		return fmt.Errorf("persist submission: %w", err)
	}
	*t = *updated

	m.observe("submit", "ok", started)
	if m.metrics != nil {
		m.metrics.TaskStarted()
	}
	m.logger.Info("task %s submitted to %s as %s", t.ID, t.Provider, externalID)
	return nil
}

// failSubmission records the submission error as the task's terminal state.
func (m *Machine) failSubmission(ctx context.Context, t *Task, cause error) error {
	if _, err := m.store.UpdateStatus(ctx, t.ID, Patch{
		Status: patchStatus(StatusFailed),
		Error:  patchString(cause.Error()),
	}); err != nil {
		m.logger.Error("task %s: record submission failure: %v", t.ID, err)
	}
	t.Status = StatusFailed
	t.Error = cause.Error()
	if m.metrics != nil {
		m.metrics.TaskFailed("submit")
	}
	return cause
}

// Run polls a processing task until a terminal state or until opts.Timeout
// elapses, sleeping min(retryDelay, remaining budget) between polls. Exactly
// one terminal write occurs; transient poll errors are retried within the
// budget while a provider-declared failure is fatal immediately.
func (m *Machine) Run(ctx context.Context, backend Backend, taskID string, opts RunOptions) (*Task, error) {
	opts = opts.withDefaults()

	t, err := m.store.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	if t.ExternalID == "" {
		return nil, fmt.Errorf("task %s has no external id; submit first", t.ID)
	}

	// Checkpointing the loop start keeps the timeout budget stable across a
	// crash/resume.
	startRaw, err := backend.RunStep(ctx, "poll-start", func(context.Context) ([]byte, error) {
		return m.now().UTC().MarshalText()
	})
	if err != nil {
		return nil, fmt.Errorf("record poll start: %w", err)
	}
	var start time.Time
	if err := start.UnmarshalText(startRaw); err != nil {
		return nil, fmt.Errorf("decode poll start: %w", err)
	}

	for attempt := 0; ; attempt++ {
		elapsed := m.now().Sub(start)
		remaining := opts.Timeout - elapsed
		if remaining <= 0 {
			return m.failTask(ctx, t, "timeout",
				fmt.Sprintf("generation timed out after %.1f minutes", elapsed.Minutes()))
		}

		pollStarted := m.now()
		respRaw, pollErr := backend.RunStep(ctx, fmt.Sprintf("poll-%d", attempt), func(ctx context.Context) ([]byte, error) {
			resp, err := m.gateway.Poll(ctx, provider.PollRequest{
				Model:      t.Model,
				ExternalID: t.ExternalID,
				Params:     t.Params,
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})

		if pollErr != nil {
			if xerrors.IsTransient(pollErr) {
				m.observe("poll", "transient", pollStarted)
				m.logger.Warn("task %s poll %d: transient error: %v", t.ID, attempt, pollErr)
			} else {
				m.observe("poll", "error", pollStarted)
				return m.failTask(ctx, t, "provider", pollErr.Error())
			}
		} else {
			var resp provider.PollResponse
			if err := json.Unmarshal(respRaw, &resp); err != nil {
				return nil, fmt.Errorf("decode poll response: %w", err)
			}
			m.observe("poll", resp.Status, pollStarted)

			switch resp.Status {
			case provider.StatusCompleted:
				return m.complete(ctx, backend, t, resp)
			case provider.StatusFailed:
				reason := resp.Error
				if reason == "" {
					reason = "provider reported failure without detail"
				}
				return m.failTask(ctx, t, "provider", reason)
			}
		}

		delay := opts.RetryDelay
		if remaining < delay {
			delay = remaining
		}
		if err := backend.Sleep(ctx, fmt.Sprintf("wait-%d", attempt), delay); err != nil {
			return nil, err
		}
	}
}

// complete materializes every provider result and settles cost. A completed
// signal with zero usable artifacts is a failure: a provider claiming
// success with no payload gives us nothing to show the user.
func (m *Machine) complete(ctx context.Context, backend Backend, t *Task, resp provider.PollResponse) (*Task, error) {
	started := m.now()

	resultsRaw, err := backend.RunStep(ctx, "process-results", func(ctx context.Context) ([]byte, error) {
		scope := Scope{OrganizationID: t.OrganizationID, TaskID: t.ID}
		results := make([]ResultItem, 0, len(resp.Data))
		for i, item := range resp.Data {
			restored, err := m.materializer.Restore(ctx, scope, item)
			if err != nil {
				m.logger.Warn("task %s: materialize result %d: %v", t.ID, i, err)
				continue
			}
			results = append(results, restored)
		}
		return json.Marshal(results)
	})
	if err != nil {
		m.observe("materialize", "error", started)
		return m.failTask(ctx, t, "materialize", fmt.Sprintf("materialize results: %v", err))
	}
	var results []ResultItem
	if err := json.Unmarshal(resultsRaw, &results); err != nil {
		return nil, fmt.Errorf("decode materialized results: %w", err)
	}

	if len(results) == 0 {
		m.observe("materialize", "empty", started)
		return m.failTask(ctx, t, "no_results", "provider reported completion with no valid results")
	}
	m.observe("materialize", "ok", started)

	updated, err := m.store.UpdateStatus(ctx, t.ID, Patch{
		Status:  patchStatus(StatusCompleted),
		Results: results,
	})
	if err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}
	*t = *updated
	if m.metrics != nil {
		m.metrics.TaskCompleted()
		m.metrics.TaskFinished()
	}

	m.settle(ctx, backend, t, resp.Raw)
	return t, nil
}

// settle decrements the organization's credits for a completed task.
// Settlement failures are logged and isolated: the artifact result stands
// regardless of billing bookkeeping.
func (m *Machine) settle(ctx context.Context, backend Backend, t *Task, raw map[string]any) {
	if m.ledger == nil {
		return
	}
	started := m.now()
	_, err := backend.RunStep(ctx, "settle", func(ctx context.Context) ([]byte, error) {
		cost := m.ledger.CalculateCost(t.Model, t.Params, raw)
		if cost <= 0 {
			return nil, nil
		}
		if err := m.ledger.Decrement(ctx, t.OrganizationID, cost); err != nil {
			return nil, err
		}
		return json.Marshal(cost)
	})
	if err != nil {
		m.observe("settle", "error", started)
		if m.metrics != nil {
			m.metrics.SettlementFailed()
		}
		m.logger.Error("task %s: cost settlement failed (task stays completed): %v", t.ID, err)
		return
	}
	m.observe("settle", "ok", started)
}

// failTask writes the single terminal failed state.
func (m *Machine) failTask(ctx context.Context, t *Task, reason, message string) (*Task, error) {
	updated, err := m.store.UpdateStatus(ctx, t.ID, Patch{
		Status: patchStatus(StatusFailed),
		Error:  patchString(message),
	})
	if err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	if m.metrics != nil {
		m.metrics.TaskFailed(reason)
		m.metrics.TaskFinished()
	}
	m.logger.Info("task %s failed (%s): %s", t.ID, reason, message)
	return updated, nil
}

// storageRefPrefix marks a param value that references an artifact we
// already own and that must be resolved to a temporary signed URL before the
// provider can read it.
const storageRefPrefix = "storage://"

func (m *Machine) resolveParams(ctx context.Context, params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		out, err := m.resolveValue(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		resolved[key] = out
	}
	return resolved, nil
}

func (m *Machine) resolveValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, storageRefPrefix) {
			url, err := m.materializer.SignURL(ctx, strings.TrimPrefix(v, storageRefPrefix), signedURLTTL)
			if err != nil {
				return nil, err
			}
			return url, nil
		}
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolvedItem, err := m.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolvedItem
		}
		return out, nil
	case map[string]any:
		return m.resolveParams(ctx, v)
	default:
		return value, nil
	}
}

func (m *Machine) observe(stage, status string, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveStage(stage, status, m.now().Sub(started))
}
