package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "atelier/internal/errors"
	"atelier/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// clockBackend advances the fake clock instead of sleeping, keeping poll
// loop tests instant and deterministic.
type clockBackend struct {
	*InlineBackend
	clock  *fakeClock
	slept  []time.Duration
	sleptM sync.Mutex
}

func newClockBackend(clock *fakeClock) *clockBackend {
	return &clockBackend{InlineBackend: NewInlineBackend(), clock: clock}
}

func (b *clockBackend) Sleep(_ context.Context, _ string, d time.Duration) error {
	b.sleptM.Lock()
	b.slept = append(b.slept, d)
	b.sleptM.Unlock()
	b.clock.Advance(d)
	return nil
}

type pollStep struct {
	resp provider.PollResponse
	err  error
}

type scriptedGateway struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	submits   int
	script    []pollStep
	polls     int
}

func (g *scriptedGateway) Submit(context.Context, string, map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.submitErr != nil {
		return "", g.submitErr
	}
	if g.submitID == "" {
		return "ext-1", nil
	}
	return g.submitID, nil
}

func (g *scriptedGateway) Poll(context.Context, provider.PollRequest) (provider.PollResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if len(g.script) == 0 {
		return processingResponse(), nil
	}
	step := g.script[len(g.script)-1]
	if g.polls-1 < len(g.script) {
		step = g.script[g.polls-1]
	}
	return step.resp, step.err
}

type fakeMaterializer struct {
	mu       sync.Mutex
	restores int
	failAll  bool
}

func (f *fakeMaterializer) Restore(_ context.Context, scope Scope, item provider.ResultItem) (ResultItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return ResultItem{}, errors.New("download failed")
	}
	f.restores++
	return ResultItem{
		StorageKey: fmt.Sprintf("%s/%s/result-%d", scope.OrganizationID, scope.TaskID, f.restores),
		Kind:       item.Kind,
	}, nil
}

func (f *fakeMaterializer) SignURL(_ context.Context, storageKey string, _ time.Duration) (string, error) {
	return "https://signed.example/" + storageKey, nil
}

type fakeLedger struct {
	mu         sync.Mutex
	cost       float64
	decrements []float64
	failDecr   bool
}

func (f *fakeLedger) CalculateCost(string, map[string]any, map[string]any) float64 {
	return f.cost
}

func (f *fakeLedger) Decrement(_ context.Context, _ string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDecr {
		return errors.New("balance row locked")
	}
	f.decrements = append(f.decrements, amount)
	return nil
}

type machineFixture struct {
	store   *MemoryStore
	gateway *scriptedGateway
	mat     *fakeMaterializer
	ledger  *fakeLedger
	clock   *fakeClock
	backend *clockBackend
	machine *Machine
}

func newFixture(gateway *scriptedGateway) *machineFixture {
	f := &machineFixture{
		store:   NewMemoryStore(),
		gateway: gateway,
		mat:     &fakeMaterializer{},
		ledger:  &fakeLedger{cost: 4},
		clock:   newFakeClock(),
	}
	f.backend = newClockBackend(f.clock)
	f.machine = NewMachine(f.store, f.gateway, f.mat, f.ledger, nil, WithClock(f.clock.Now))
	return f
}

func (f *machineFixture) newSubmittedTask(t *testing.T) *Task {
	t.Helper()
	tk := New("org-1", "acme", "flux-dev", map[string]any{"prompt": "a fox"})
	require.NoError(t, f.store.Create(context.Background(), tk))
	require.NoError(t, f.machine.Submit(context.Background(), f.backend, tk))
	return tk
}

func completedResponse(items ...provider.ResultItem) provider.PollResponse {
	return provider.PollResponse{Status: provider.StatusCompleted, Data: items, Raw: map[string]any{"images": len(items)}}
}

func processingResponse() provider.PollResponse {
	return provider.PollResponse{Status: provider.StatusProcessing}
}

func TestSubmitMovesPendingToProcessing(t *testing.T) {
	f := newFixture(&scriptedGateway{submitID: "ext-77"})
	tk := f.newSubmittedTask(t)

	assert.Equal(t, StatusProcessing, tk.Status)
	assert.Equal(t, "ext-77", tk.ExternalID)

	stored, err := f.store.FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Equal(t, "ext-77", stored.ExternalID)
}

func TestSubmitFailureNeverLeavesPending(t *testing.T) {
	f := newFixture(&scriptedGateway{submitErr: errors.New("model offline")})
	tk := New("org-1", "acme", "flux-dev", nil)
	require.NoError(t, f.store.Create(context.Background(), tk))

	err := f.machine.Submit(context.Background(), f.backend, tk)
	require.Error(t, err)

	stored, findErr := f.store.FindByID(context.Background(), tk.ID)
	require.NoError(t, findErr)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "model offline")
}

func TestSubmitResolvesStorageReferences(t *testing.T) {
	f := newFixture(&scriptedGateway{})
	tk := New("org-1", "acme", "flux-dev", map[string]any{
		"prompt":    "restyle this",
		"reference": "storage://org-1/assets/base.png",
		"frames":    []any{"storage://org-1/assets/frame1.png", "plain"},
	})
	require.NoError(t, f.store.Create(context.Background(), tk))
	require.NoError(t, f.machine.Submit(context.Background(), f.backend, tk))

	// Params on the record keep the stable references; only the provider
	// sees signed URLs.
	stored, err := f.store.FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "storage://org-1/assets/base.png", stored.Params["reference"])
}

func TestRunCompletesAfterPolling(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{resp: processingResponse()},
		{resp: processingResponse()},
		{resp: completedResponse(provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"})},
	}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	begin := f.clock.Now()
	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{
		Timeout:    60 * time.Second,
		RetryDelay: 2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Results, 1)
	assert.Equal(t, "image", final.Results[0].Kind)
	assert.Empty(t, final.Error)
	assert.GreaterOrEqual(t, f.clock.Now().Sub(begin), 4*time.Second,
		"two retry delays must elapse before the completing poll")
	assert.Equal(t, 3, gw.polls)
	assert.Equal(t, []float64{4}, f.ledger.decrements)
}

func TestRunTimesOutWithElapsedMinutes(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{{resp: processingResponse()}}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{
		Timeout:    5 * time.Second,
		RetryDelay: 2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "minutes")
	assert.Contains(t, final.Error, "timed out")
	// The final sleep is clamped to the remaining budget.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, time.Second}, f.backend.slept)
}

func TestRunProviderFailureIsFatalAndExact(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{resp: provider.PollResponse{Status: provider.StatusFailed, Error: "quota exceeded"}},
	}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{
		Timeout:    time.Minute,
		RetryDelay: 2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "quota exceeded", final.Error)
	assert.Equal(t, 1, gw.submits, "exactly one submission attempt")
	assert.Equal(t, 1, gw.polls, "provider-declared failure is never retried")
}

func TestRunEmptyCompletionIsFailure(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{{resp: completedResponse()}}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "no valid results")
	assert.Empty(t, f.ledger.decrements, "no settlement for a failed task")
}

func TestRunAllMaterializationsFailingIsFailure(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{resp: completedResponse(provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"})},
	}}
	f := newFixture(gw)
	f.mat.failAll = true
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "no valid results")
}

func TestRunRetriesTransientPollErrors(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{err: xerrors.NewTransient(errors.New("502 from vendor"), "")},
		{err: xerrors.NewTransient(errors.New("connection reset"), "")},
		{resp: completedResponse(provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"})},
	}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{
		Timeout:    time.Minute,
		RetryDelay: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, gw.polls)
}

func TestSettlementFailureDoesNotReclassify(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{resp: completedResponse(provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"})},
	}}
	f := newFixture(gw)
	f.ledger.failDecr = true
	tk := f.newSubmittedTask(t)

	final, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Results, 1)
	assert.Empty(t, final.Error)
}

func TestRunOnTerminalTaskIsNoOp(t *testing.T) {
	gw := &scriptedGateway{script: []pollStep{
		{resp: completedResponse(provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"})},
	}}
	f := newFixture(gw)
	tk := f.newSubmittedTask(t)

	_, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	pollsAfterFirst := gw.polls

	again, err := f.machine.Run(context.Background(), f.backend, tk.ID, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, pollsAfterFirst, gw.polls, "terminal tasks are never polled again")
}

func TestTerminalWriteIdempotence(t *testing.T) {
	store := NewMemoryStore()
	tk := New("org-1", "acme", "flux-dev", nil)
	require.NoError(t, store.Create(context.Background(), tk))

	_, err := store.UpdateStatus(context.Background(), tk.ID, Patch{
		Status: patchStatus(StatusFailed),
		Error:  patchString("boom"),
	})
	require.NoError(t, err)

	// Re-applying the same terminal status is a no-op.
	_, err = store.UpdateStatus(context.Background(), tk.ID, Patch{Status: patchStatus(StatusFailed)})
	require.NoError(t, err)

	// Conflicting terminal transition is rejected.
	_, err = store.UpdateStatus(context.Background(), tk.ID, Patch{Status: patchStatus(StatusCompleted)})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestNotifyResultWakesWaiter(t *testing.T) {
	f := newFixture(&scriptedGateway{})
	tk := f.newSubmittedTask(t)

	done := make(chan *Task, 1)
	go func() {
		final, err := f.machine.AwaitResult(context.Background(), f.backend, tk.ID, 5*time.Second)
		if err == nil {
			done <- final
		}
		close(done)
	}()

	// Give the waiter a moment to suspend, then deliver the callback.
	time.Sleep(10 * time.Millisecond)
	_, err := f.machine.NotifyResult(context.Background(), f.backend, tk.ID, completedResponse(
		provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"},
	))
	require.NoError(t, err)

	final, ok := <-done
	require.True(t, ok, "waiter must be woken")
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Results, 1)
}

func TestAwaitResultFallsBackToStore(t *testing.T) {
	f := newFixture(&scriptedGateway{})
	tk := f.newSubmittedTask(t)

	// Result landed before any waiter suspended and the buffered event was
	// already consumed elsewhere.
	_, err := f.machine.NotifyResult(context.Background(), f.backend, tk.ID, completedResponse(
		provider.ResultItem{URL: "https://cdn/x.png", Kind: "image"},
	))
	require.NoError(t, err)
	_, err = f.backend.WaitForEvent(context.Background(), ResultChannel(tk.ID), time.Millisecond)
	require.NoError(t, err)

	final, err := f.machine.AwaitResult(context.Background(), f.backend, tk.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}
