package credit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/config"
	"atelier/internal/logging"
)

const orgTable = "organizations"

// PGLedger combines catalog pricing with Postgres balances. The conditional
// UPDATE is the overdraw guard: concurrent settlements serialize on the row
// and only succeed while the balance covers them.
type PGLedger struct {
	*Pricer
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPGLedger constructs a Postgres-backed ledger.
func NewPGLedger(pool *pgxpool.Pool, catalog *config.Catalog) *PGLedger {
	logger := logging.NewComponentLogger("CreditLedger")
	return &PGLedger{
		Pricer: NewPricer(catalog, logger),
		pool:   pool,
		logger: logger,
	}
}

// EnsureSchema creates the organizations table if it does not exist.
func (l *PGLedger) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("credit ledger not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    credits DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, orgTable)
	_, err := l.pool.Exec(ctx, query)
	return err
}

// Decrement charges the organization atomically, refusing to overdraw.
func (l *PGLedger) Decrement(ctx context.Context, organizationID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	query := fmt.Sprintf(`
UPDATE %s SET credits = credits - $1, updated_at = now()
WHERE id = $2 AND credits >= $1
`, orgTable)
	tag, err := l.pool.Exec(ctx, query, amount, organizationID)
	if err != nil {
		return fmt.Errorf("charge %s: %w", organizationID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		checkQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, orgTable)
		if err := l.pool.QueryRow(ctx, checkQuery, organizationID).Scan(&exists); err != nil {
			return fmt.Errorf("charge %s: %w", organizationID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownOrganization, organizationID)
		}
		return fmt.Errorf("%w: %s cannot cover %.2f", ErrInsufficientCredits, organizationID, amount)
	}
	return nil
}
