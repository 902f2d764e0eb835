// Package budget is the cost and budget ledger: it records the monetary cost
// of every external call and can veto further spend for a user's current
// billing period.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediasense/mediasense/internal/store"
)

// LedgerStore captures the store methods the ledger needs.
type LedgerStore interface {
	ReserveCost(ctx context.Context, rec store.CostRecord, ceiling float64) error
	AppendCostRecord(ctx context.Context, rec store.CostRecord) error
	PeriodSpend(ctx context.Context, userID string) (float64, error)
}

// Ledger gates and records spend against per-tier monthly ceilings.
type Ledger struct {
	store    LedgerStore
	ceilings map[string]float64
	currency string
}

// NewLedger builds a ledger from per-tier ceilings in USD.
func NewLedger(st LedgerStore, ceilings map[string]float64, currency string) (*Ledger, error) {
	if st == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if len(ceilings) == 0 {
		return nil, fmt.Errorf("at least one tier ceiling required")
	}
	for tier, ceiling := range ceilings {
		if ceiling < 0 {
			return nil, fmt.Errorf("ceiling for tier %s cannot be negative", tier)
		}
	}
	if currency == "" {
		currency = "USD"
	}
	return &Ledger{store: st, ceilings: ceilings, currency: currency}, nil
}

// CeilingFor returns the period ceiling for a tier. Unknown tiers fall back
// to the lowest configured ceiling rather than unlimited spend.
func (l *Ledger) CeilingFor(tier string) float64 {
	if c, ok := l.ceilings[tier]; ok {
		return c
	}
	lowest := -1.0
	for _, c := range l.ceilings {
		if lowest < 0 || c < lowest {
			lowest = c
		}
	}
	return lowest
}

// Authorize checks whether the user may spend at all this period. It is a
// read-only gate for providers that only charge on success; charge-per-attempt
// providers go through Reserve instead.
func (l *Ledger) Authorize(ctx context.Context, userID, tier string) error {
	spent, err := l.store.PeriodSpend(ctx, userID)
	if err != nil {
		return fmt.Errorf("period spend: %w", err)
	}
	ceiling := l.CeilingFor(tier)
	if spent >= ceiling {
		return ErrExceeded{UserID: userID, Spent: spent, Ceiling: ceiling}
	}
	return nil
}

// Reserve performs the serialized check-and-spend for a charge-per-attempt
// call: it appends the cost record if and only if the user's period spend is
// still below the ceiling. The store serializes this per user.
func (l *Ledger) Reserve(ctx context.Context, rec store.CostRecord, tier string) error {
	rec.Currency = l.currency
	err := l.store.ReserveCost(ctx, rec, l.CeilingFor(tier))
	var exhausted store.ErrBudgetExhausted
	if errors.As(err, &exhausted) {
		return ErrExceeded{UserID: exhausted.UserID, Spent: exhausted.Spent, Ceiling: exhausted.Ceiling}
	}
	return err
}

// Charge appends a cost record without a gate, for success-only billing
// recorded after the call happened.
func (l *Ledger) Charge(ctx context.Context, rec store.CostRecord) error {
	rec.Currency = l.currency
	return l.store.AppendCostRecord(ctx, rec)
}

// PeriodSpend reports the user's recorded spend for the current period.
func (l *Ledger) PeriodSpend(ctx context.Context, userID string) (float64, error) {
	return l.store.PeriodSpend(ctx, userID)
}

// IsExceeded reports whether err is a budget veto.
func IsExceeded(err error) bool {
	var e ErrExceeded
	return errors.As(err, &e)
}
