// Package task owns the generation-task lifecycle: the record model, the
// pending → processing → completed/failed state machine, and the poll loop
// that drives an external provider to a terminal state.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a generation task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResultItem is one materialized artifact owned by our storage.
type ResultItem struct {
	StorageKey string `json:"storage_key"`
	Kind       string `json:"kind"`
}

// Task is a single generation job. The record is the single source of truth
// for the job: only the state machine mutates it.
//
// Invariants: Results is non-empty iff Status == completed; Error is
// non-empty iff Status == failed; ExternalID is set before the first poll
// and never cleared.
type Task struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Status         Status         `json:"status"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Params         map[string]any `json:"params"`
	ExternalID     string         `json:"external_id,omitempty"`
	Results        []ResultItem   `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New returns a pending task for the given organization and model.
func New(organizationID, providerName, model string, params map[string]any) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Status:         StatusPending,
		Provider:       providerName,
		Model:          model,
		Params:         params,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Patch is a partial status update. Nil fields are left untouched.
type Patch struct {
	Status     *Status
	ExternalID *string
	Results    []ResultItem
	Error      *string
}

func patchStatus(s Status) *Status { return &s }
func patchString(v string) *string { return &v }

// ErrNotFound is returned when a task id is unknown to the store.
var ErrNotFound = errors.New("task not found")

// ErrTerminal is returned when a patch would move a task out of a different
// terminal state. Re-applying the same terminal status is a no-op, not an
// error.
var ErrTerminal = errors.New("task already terminal")

// Store is the durable record store contract. Implementations must provide
// read-after-write consistency within one organization and idempotent
// terminal writes.
type Store interface {
	Create(ctx context.Context, t *Task) error
	FindByID(ctx context.Context, id string) (*Task, error)
	UpdateStatus(ctx context.Context, id string, patch Patch) (*Task, error)
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

// All returns a snapshot of every task, for tests and local inspection.
func (s *MemoryStore) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		clone := *t
		out = append(out, &clone)
	}
	return out
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, patch Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil && t.Status.Terminal() {
		if *patch.Status == t.Status {
			clone := *t
			return &clone, nil // idempotent re-apply
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrTerminal, t.Status, *patch.Status)
	}

	applyPatch(t, patch)
	clone := *t
	return &clone, nil
}

func applyPatch(t *Task, patch Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.ExternalID != nil {
		t.ExternalID = *patch.ExternalID
	}
	if patch.Results != nil {
		t.Results = patch.Results
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	t.UpdatedAt = time.Now().UTC()
}
