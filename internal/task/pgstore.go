package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/logging"
)

const taskTable = "generation_tasks"

// PGStore is a Postgres-backed Store.
type PGStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPGStore constructs a Postgres-backed task store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPGStore"),
	}
}

// EnsureSchema creates the task table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    status TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    params JSONB NOT NULL DEFAULT '{}'::jsonb,
    external_id TEXT,
    results JSONB,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_tasks_org ON %s (organization_id, created_at DESC);
`, taskTable, taskTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PGStore) Create(ctx context.Context, t *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, organization_id, status, provider, model, params, external_id, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
`, taskTable)

	_, err = s.pool.Exec(ctx, query,
		t.ID, t.OrganizationID, string(t.Status), t.Provider, t.Model,
		paramsJSON, t.ExternalID, t.Error, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}

	query := fmt.Sprintf(`
SELECT id, organization_id, status, provider, model, params, COALESCE(external_id, ''), results, COALESCE(error, ''), created_at, updated_at
FROM %s
WHERE id = $1
`, taskTable)

	return s.scanTask(s.pool.QueryRow(ctx, query, id))
}

// UpdateStatus applies a partial update. Terminal states are write-once:
// re-applying the current terminal status is a no-op, any other transition
// out of a terminal state fails with ErrTerminal.
func (s *PGStore) UpdateStatus(ctx context.Context, id string, patch Patch) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && current.Status.Terminal() {
		if *patch.Status == current.Status {
			return current, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrTerminal, current.Status, *patch.Status)
	}

	applyPatch(current, patch)

	resultsJSON, err := json.Marshal(current.Results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	// The status guard is repeated in the WHERE clause so concurrent
	// writers cannot race a terminal row past the read above.
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, external_id = NULLIF($3, ''), results = $4, error = NULLIF($5, ''), updated_at = $6
WHERE id = $1 AND status NOT IN ('completed', 'failed')
`, taskTable)

	tag, err := s.pool.Exec(ctx, query,
		id, string(current.Status), current.ExternalID, resultsJSON, current.Error, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to another terminal write; re-read and report.
		latest, findErr := s.FindByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		if patch.Status != nil && *patch.Status == latest.Status {
			return latest, nil
		}
		return nil, fmt.Errorf("%w: concurrent terminal write on %s", ErrTerminal, id)
	}

	return current, nil
}

func (s *PGStore) scanTask(row pgx.Row) (*Task, error) {
	var (
		t           Task
		status      string
		paramsJSON  []byte
		resultsJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.OrganizationID, &status, &t.Provider, &t.Model,
		&paramsJSON, &t.ExternalID, &resultsJSON, &t.Error,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = Status(status)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &t.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &t, nil
}
