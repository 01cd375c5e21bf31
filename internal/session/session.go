// Package session guards each conversation session against concurrent
// turns. A session accepts one in-flight turn at a time: Begin flips the
// status idle → pending with a conditional update, so two racing turns
// resolve to exactly one winner regardless of which store backs the check.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"atelier/internal/logging"
)

// Session status values.
const (
	StatusIdle    = "idle"
	StatusPending = "pending"
)

// ErrTurnInFlight is returned when a session already has a pending turn.
var ErrTurnInFlight = errors.New("session already has a turn in flight")

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is one conversation thread within an organization.
type Session struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists session status. CompareAndSetStatus must be atomic: it
// transitions id from `from` to `to` and reports whether the transition
// happened. A false return with nil error means the session was not in
// `from` at the moment of the update.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	CompareAndSetStatus(ctx context.Context, id, from, to string) (bool, error)
}

// Guard serializes turns per session.
type Guard struct {
	store  Store
	logger logging.Logger
}

// NewGuard wires a guard over a session store.
func NewGuard(store Store, logger logging.Logger) *Guard {
	return &Guard{store: store, logger: logging.OrNop(logger)}
}

// Begin claims the session for a new turn. Exactly one of N concurrent
// callers wins; the rest get ErrTurnInFlight.
func (g *Guard) Begin(ctx context.Context, sessionID string) error {
	ok, err := g.store.CompareAndSetStatus(ctx, sessionID, StatusIdle, StatusPending)
	if err != nil {
		return fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrTurnInFlight
	}
	g.logger.Debug("session %s: turn started", sessionID)
	return nil
}

// Release returns the session to idle. Callers invoke it when the turn
// finishes, including when the work it triggered failed to start; a failed
// release is logged but not surfaced, the next Begin against a stuck
// session is the caller's recovery path.
func (g *Guard) Release(ctx context.Context, sessionID string) {
	ok, err := g.store.CompareAndSetStatus(ctx, sessionID, StatusPending, StatusIdle)
	if err != nil {
		g.logger.Error("session %s: release failed: %v", sessionID, err)
		return
	}
	if !ok {
		g.logger.Warn("session %s: release found no pending turn", sessionID)
	}
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	sess.UpdatedAt = time.Now()
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Status != from {
		return false, nil
	}
	sess.Status = to
	sess.UpdatedAt = time.Now()
	return true, nil
}
