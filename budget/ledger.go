// Package budget enforces per-connection daily spending limits.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
)

// ErrBudgetExceeded is returned when a debit would exceed the daily limit.
var ErrBudgetExceeded = bunker.ErrBudgetExceeded

// Store is the persistence the ledger needs. DebitBudget must apply the
// debit atomically or not at all.
type Store interface {
	BudgetState(ctx context.Context, connectionID string) (*bunker.BudgetState, error)
	ResetBudgetIfNewDay(ctx context.Context, connectionID, dateKey string) (*bunker.BudgetState, error)
	DebitBudget(ctx context.Context, connectionID string, amount int64, dateKey string) (*bunker.BudgetState, error)
}

// Ledger debits connection budgets. Days roll over at UTC midnight; the
// reset happens lazily on the first access of a new day.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger returns a ledger over store. A nil clock means time.Now.
func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

func (l *Ledger) today() string {
	return bunker.DateKey(l.now())
}

// ResetIfNewDay rolls the ledger over when the stored day is stale.
func (l *Ledger) ResetIfNewDay(ctx context.Context, connectionID string) (*bunker.BudgetState, error) {
	state, err := l.store.ResetBudgetIfNewDay(ctx, connectionID, l.today())
	if err != nil {
		return nil, fmt.Errorf("failed to reset budget: %w", err)
	}
	return state, nil
}

// CanDebit reports whether amount fits today's remaining budget. A
// connection without a budget cannot be debited.
func (l *Ledger) CanDebit(ctx context.Context, connectionID string, amount int64) (bool, error) {
	state, err := l.store.BudgetState(ctx, connectionID)
	if err != nil {
		return false, fmt.Errorf("failed to load budget: %w", err)
	}
	return state.CanDebit(amount, l.today()), nil
}

// Remaining returns what may still be spent today.
func (l *Ledger) Remaining(ctx context.Context, connectionID string) (int64, error) {
	state, err := l.store.BudgetState(ctx, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load budget: %w", err)
	}
	return state.Remaining(l.today()), nil
}

// Debit atomically subtracts amount. Committed debits are never refunded,
// even if the payment later fails.
func (l *Ledger) Debit(ctx context.Context, connectionID string, amount int64) (*bunker.BudgetState, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive")
	}
	state, err := l.store.DebitBudget(ctx, connectionID, amount, l.today())
	if errors.Is(err, bunker.ErrBudgetExceeded) {
		log.Warn().
			Str("connection_id", connectionID).
			Int64("amount", amount).
			Int64("remaining", state.Remaining(l.today())).
			Msg("Budget debit rejected")
		return state, ErrBudgetExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit budget: %w", err)
	}

	log.Info().
		Str("connection_id", connectionID).
		Int64("amount", amount).
		Int64("spent_today", state.SpentToday).
		Int64("daily_limit", state.DailyLimit).
		Msg("Budget debited")
	return state, nil
}
