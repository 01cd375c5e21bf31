package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuardFixture(t *testing.T) (*Guard, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Session{
		ID:             "sess-1",
		OrganizationID: "org-1",
	}))
	return NewGuard(store, nil), store
}

func TestBeginClaimsIdleSession(t *testing.T) {
	guard, store := newGuardFixture(t)
	ctx := context.Background()

	require.NoError(t, guard.Begin(ctx, "sess-1"))

	sess, err := store.FindByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sess.Status)
}

func TestBeginRejectsSecondTurn(t *testing.T) {
	guard, _ := newGuardFixture(t)
	ctx := context.Background()

	require.NoError(t, guard.Begin(ctx, "sess-1"))
	err := guard.Begin(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrTurnInFlight)
}

func TestReleaseAllowsNextTurn(t *testing.T) {
	guard, _ := newGuardFixture(t)
	ctx := context.Background()

	require.NoError(t, guard.Begin(ctx, "sess-1"))
	guard.Release(ctx, "sess-1")
	require.NoError(t, guard.Begin(ctx, "sess-1"))
}

func TestBeginUnknownSession(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), nil)
	err := guard.Begin(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBeginsExactlyOneWinner(t *testing.T) {
	guard, _ := newGuardFixture(t)
	ctx := context.Background()

	const claimants = 16
	var wins, conflicts int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := guard.Begin(ctx, "sess-1"); {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case err == ErrTurnInFlight:
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	assert.Equal(t, int32(claimants-1), atomic.LoadInt32(&conflicts))
}

func TestReleaseWithoutPendingTurnIsHarmless(t *testing.T) {
	guard, store := newGuardFixture(t)
	ctx := context.Background()

	guard.Release(ctx, "sess-1")

	sess, err := store.FindByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, sess.Status)
}
