package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesmerverse/bunker"
)

// BudgetState returns the ledger of a connection, or nil when the
// connection has no daily limit.
func (s *SQLiteStore) BudgetState(ctx context.Context, connectionID string) (*bunker.BudgetState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgetState(ctx, s.db, connectionID)
}

func (s *SQLiteStore) budgetState(ctx context.Context, q querier, connectionID string) (*bunker.BudgetState, error) {
	var b bunker.BudgetState
	err := q.QueryRowContext(ctx, `
		SELECT connection_id, date_key, spent_today, daily_limit FROM budget_state WHERE connection_id = ?
	`, connectionID).Scan(&b.ConnectionID, &b.DateKey, &b.SpentToday, &b.DailyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	return &b, nil
}

// SetDailyLimit sets the connection's daily ceiling. Spending already
// recorded today is kept, clamped to the new limit.
func (s *SQLiteStore) SetDailyLimit(ctx context.Context, connectionID string, limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("daily limit must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.setDailyLimit(ctx, tx, connectionID, limit)
	})
}

func (s *SQLiteStore) setDailyLimit(ctx context.Context, tx *sql.Tx, connectionID string, limit int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO budget_state (connection_id, date_key, spent_today, daily_limit, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			spent_today = MIN(budget_state.spent_today, excluded.daily_limit),
			updated_at = excluded.updated_at
	`, connectionID, bunker.DateKey(s.now()), limit, millis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to set daily limit: %w", err)
	}
	return nil
}

// ResetBudgetIfNewDay zeroes spending when the stored day differs from
// dateKey and returns the resulting state.
func (s *SQLiteStore) ResetBudgetIfNewDay(ctx context.Context, connectionID, dateKey string) (*bunker.BudgetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *bunker.BudgetState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.resetIfNewDay(ctx, tx, connectionID, dateKey); err != nil {
			return err
		}
		var err error
		out, err = s.budgetState(ctx, tx, connectionID)
		return err
	})
	return out, err
}

func (s *SQLiteStore) resetIfNewDay(ctx context.Context, tx *sql.Tx, connectionID, dateKey string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE budget_state SET date_key = ?, spent_today = 0, updated_at = ?
		WHERE connection_id = ? AND date_key <> ?
	`, dateKey, millis(s.now()), connectionID, dateKey)
	if err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	return nil
}

// DebitBudget atomically adds amount to today's spending. The update only
// applies when the result stays within the limit, so concurrent debits can
// never overdraw. A rejected debit returns bunker.ErrBudgetExceeded and
// leaves spending unchanged.
func (s *SQLiteStore) DebitBudget(ctx context.Context, connectionID string, amount int64, dateKey string) (*bunker.BudgetState, error) {
	if amount < 0 {
		return nil, fmt.Errorf("debit amount must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out *bunker.BudgetState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.resetIfNewDay(ctx, tx, connectionID, dateKey); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE budget_state SET spent_today = spent_today + ?, updated_at = ?
			WHERE connection_id = ? AND date_key = ? AND spent_today + ? <= daily_limit
		`, amount, millis(s.now()), connectionID, dateKey, amount)
		if err != nil {
			return fmt.Errorf("failed to debit budget: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		out, err = s.budgetState(ctx, tx, connectionID)
		if err != nil {
			return err
		}
		if out == nil {
			return ErrNoBudget
		}
		if n == 0 {
			return bunker.ErrBudgetExceeded
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
