package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CostRecord is an append-only ledger entry for one external call. Records
// survive media deletion for billing history.
type CostRecord struct {
	ID        int64
	UserID    string
	Service   string
	Operation string
	Amount    float64
	Currency  string
	JobID     *string
	CreatedAt time.Time
}

// ErrBudgetExhausted is surfaced by ReserveCost when the user's period spend
// has reached the ceiling. The caller maps it to the budget error taxonomy.
type ErrBudgetExhausted struct {
	UserID  string
	Spent   float64
	Ceiling float64
}

func (e ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("budget exhausted for user %s: spent=$%.4f ceiling=$%.4f", e.UserID, e.Spent, e.Ceiling)
}

// AppendCostRecord appends a ledger entry without a budget check. Used for
// providers that only charge on success, after the call already happened.
func (s *Store) AppendCostRecord(ctx context.Context, rec CostRecord) error {
	if rec.UserID == "" || rec.Service == "" {
		return fmt.Errorf("user_id and service required")
	}
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cost_records (user_id, service, operation, amount_usd, currency, job_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`, rec.UserID, rec.Service, rec.Operation, rec.Amount, rec.Currency, rec.JobID)
	return err
}

// ReserveCost serializes the per-user check-and-spend sequence: under a
// per-user advisory lock it sums the current period's spend, vetoes when the
// ceiling is already reached, and otherwise appends the record in the same
// transaction. Concurrent jobs for one user cannot both pass a check that
// only one of their combined costs would satisfy.
func (s *Store) ReserveCost(ctx context.Context, rec CostRecord, ceiling float64) (err error) {
	if rec.UserID == "" || rec.Service == "" {
		return fmt.Errorf("user_id and service required")
	}
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	var tx *sql.Tx
	tx, err = s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.UserID); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}

	var spent float64
	err = tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records
WHERE user_id=$1 AND created_at >= date_trunc('month', NOW() AT TIME ZONE 'utc')
`, rec.UserID).Scan(&spent)
	if err != nil {
		return fmt.Errorf("sum period spend: %w", err)
	}
	if spent >= ceiling {
		err = ErrBudgetExhausted{UserID: rec.UserID, Spent: spent, Ceiling: ceiling}
		return err
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO cost_records (user_id, service, operation, amount_usd, currency, job_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`, rec.UserID, rec.Service, rec.Operation, rec.Amount, rec.Currency, rec.JobID); err != nil {
		return fmt.Errorf("append cost record: %w", err)
	}
	return nil
}

// PeriodSpend returns the user's recorded spend for the current calendar
// month (UTC).
func (s *Store) PeriodSpend(ctx context.Context, userID string) (float64, error) {
	var spent float64
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records
WHERE user_id=$1 AND created_at >= date_trunc('month', NOW() AT TIME ZONE 'utc')
`, userID).Scan(&spent)
	return spent, err
}
