package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/logging"
)

const sessionTable = "sessions"

// PGStore is a Postgres-backed Store. The single-flight guarantee rests on
// CompareAndSetStatus being one conditional UPDATE.
type PGStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPGStore constructs a Postgres-backed session store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:   pool,
		logger: logging.NewComponentLogger("SessionPGStore"),
	}
}

// EnsureSchema creates the session table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_org ON %s (organization_id);
`, sessionTable, sessionTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PGStore) Create(ctx context.Context, sess *Session) error {
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, organization_id, status, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO NOTHING
`, sessionTable)
	_, err := s.pool.Exec(ctx, query, sess.ID, sess.OrganizationID, sess.Status)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*Session, error) {
	query := fmt.Sprintf(`
SELECT id, organization_id, status, updated_at FROM %s WHERE id = $1
`, sessionTable)
	var sess Session
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID, &sess.OrganizationID, &sess.Status, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}
	return &sess, nil
}

// CompareAndSetStatus performs the conditional transition. Zero rows
// affected means the session was not in `from`; the database resolves
// concurrent claimants to exactly one winner.
func (s *PGStore) CompareAndSetStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
`, sessionTable)
	tag, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("update session %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from an unknown session.
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return false, findErr
		}
		return false, nil
	}
	return true, nil
}
