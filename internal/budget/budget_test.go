package budget

import (
	"context"
	"testing"

	"github.com/mediasense/mediasense/internal/store"
)

type fakeLedgerStore struct {
	spend    float64
	spendErr error
	reserved []store.CostRecord
	appended []store.CostRecord
}

func (f *fakeLedgerStore) ReserveCost(ctx context.Context, rec store.CostRecord, ceiling float64) error {
	if f.spend >= ceiling {
		return store.ErrBudgetExhausted{UserID: rec.UserID, Spent: f.spend, Ceiling: ceiling}
	}
	f.reserved = append(f.reserved, rec)
	return nil
}

func (f *fakeLedgerStore) AppendCostRecord(ctx context.Context, rec store.CostRecord) error {
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeLedgerStore) PeriodSpend(ctx context.Context, userID string) (float64, error) {
	return f.spend, f.spendErr
}

func newTestLedger(t *testing.T, st LedgerStore) *Ledger {
	t.Helper()
	l, err := NewLedger(st, map[string]float64{"free": 1.0, "standard": 10.0, "pro": 100.0}, "USD")
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestCeilingForUnknownTierFallsBack(t *testing.T) {
	l := newTestLedger(t, &fakeLedgerStore{})
	if c := l.CeilingFor("pro"); c != 100.0 {
		t.Fatalf("pro ceiling: %v", c)
	}
	// Unknown tiers get the lowest ceiling, never unlimited spend.
	if c := l.CeilingFor("enterprise"); c != 1.0 {
		t.Fatalf("unknown tier ceiling: %v", c)
	}
}

func TestAuthorize(t *testing.T) {
	st := &fakeLedgerStore{spend: 0.5}
	l := newTestLedger(t, st)
	if err := l.Authorize(context.Background(), "user-1", "free"); err != nil {
		t.Fatalf("Authorize under ceiling: %v", err)
	}

	st.spend = 1.0
	err := l.Authorize(context.Background(), "user-1", "free")
	if !IsExceeded(err) {
		t.Fatalf("expected budget veto, got %v", err)
	}
}

func TestReserveMapsExhaustion(t *testing.T) {
	st := &fakeLedgerStore{spend: 10.0}
	l := newTestLedger(t, st)

	rec := store.CostRecord{UserID: "user-1", Service: "vision_labels", Operation: "analyze", Amount: 0.01}
	err := l.Reserve(context.Background(), rec, "standard")
	if !IsExceeded(err) {
		t.Fatalf("expected budget veto, got %v", err)
	}
	if len(st.reserved) != 0 {
		t.Fatalf("no record should be written on veto")
	}

	st.spend = 0
	if err := l.Reserve(context.Background(), rec, "standard"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(st.reserved) != 1 || st.reserved[0].Currency != "USD" {
		t.Fatalf("unexpected reserved records: %+v", st.reserved)
	}
}

func TestChargeIsUngated(t *testing.T) {
	st := &fakeLedgerStore{spend: 9999}
	l := newTestLedger(t, st)

	rec := store.CostRecord{UserID: "user-1", Service: "celebrity", Operation: "analyze", Amount: 0.02}
	if err := l.Charge(context.Background(), rec); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if len(st.appended) != 1 {
		t.Fatalf("expected one appended record")
	}
}

func TestNewLedgerValidation(t *testing.T) {
	if _, err := NewLedger(nil, map[string]float64{"free": 1}, "USD"); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewLedger(&fakeLedgerStore{}, nil, "USD"); err == nil {
		t.Fatalf("expected error for missing ceilings")
	}
	if _, err := NewLedger(&fakeLedgerStore{}, map[string]float64{"free": -1}, "USD"); err == nil {
		t.Fatalf("expected error for negative ceiling")
	}
}
