// Package credit settles generation cost against organization balances.
// Settlement runs after a task completes and is deliberately isolated from
// the task outcome: a completed generation stays completed even when the
// charge fails.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"atelier/internal/config"
	"atelier/internal/logging"
)

// ErrInsufficientCredits is returned when a decrement would take a balance
// below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrUnknownOrganization is returned for decrements against an org with no
// balance row.
var ErrUnknownOrganization = errors.New("unknown organization")

// Pricer computes the charge for one completed task from its catalog entry.
type Pricer struct {
	catalog *config.Catalog
	logger  logging.Logger
}

// NewPricer wires cost calculation over the model catalog.
func NewPricer(catalog *config.Catalog, logger logging.Logger) *Pricer {
	return &Pricer{catalog: catalog, logger: logging.OrNop(logger)}
}

// CalculateCost prices a completed task: base cost per requested artifact,
// plus per-second cost for duration-priced kinds. Unknown models price at
// zero rather than failing settlement.
func (p *Pricer) CalculateCost(model string, params map[string]any, raw map[string]any) float64 {
	spec, err := p.catalog.Lookup(model)
	if err != nil {
		p.logger.Warn("cost: %v, charging zero", err)
		return 0
	}

	count := intParam(params, "n", 1)
	cost := spec.Cost.Base * float64(count)

	if spec.Cost.PerSecond > 0 {
		seconds := floatParam(params, "duration", 0)
		if seconds == 0 {
			seconds = floatParam(raw, "duration", 0)
		}
		cost += spec.Cost.PerSecond * seconds * float64(count)
	}
	return cost
}

func intParam(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatParam(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	default:
		return fallback
	}
}

// MemoryLedger combines catalog pricing with in-process balances.
type MemoryLedger struct {
	*Pricer
	mu       sync.Mutex
	balances map[string]float64
}

// NewMemoryLedger returns a ledger with no balances; seed them with Credit.
func NewMemoryLedger(catalog *config.Catalog, logger logging.Logger) *MemoryLedger {
	return &MemoryLedger{
		Pricer:   NewPricer(catalog, logger),
		balances: make(map[string]float64),
	}
}

// Credit adds to an organization's balance, creating it if absent.
func (l *MemoryLedger) Credit(organizationID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[organizationID] += amount
}

// Balance returns the current balance.
func (l *MemoryLedger) Balance(organizationID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[organizationID]
	return balance, ok
}

// Decrement charges the organization, refusing to overdraw.
func (l *MemoryLedger) Decrement(_ context.Context, organizationID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[organizationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrganization, organizationID)
	}
	if balance < amount {
		return fmt.Errorf("%w: %s has %.2f, needs %.2f", ErrInsufficientCredits, organizationID, balance, amount)
	}
	l.balances[organizationID] = balance - amount
	return nil
}
