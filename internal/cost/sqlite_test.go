package cost

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "costs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLedger() error = %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func fixedNow(t *testing.T, ledger *SQLiteLedger, at time.Time) {
	t.Helper()
	ledger.now = func() time.Time { return at }
}

func TestSQLiteLedger_RecordAndStats(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()
	fixedNow(t, ledger, time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC))

	if err := ledger.Record(ctx, "replicate", 0.04, map[string]any{"model": "flux-kontext-pro"}, "pred-1"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := ledger.Record(ctx, "gemini", 0.039, nil, ""); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if got, want := stats.CurrentMonth, 0.079; !closeTo(got, want) {
		t.Errorf("CurrentMonth = %v, want %v", got, want)
	}
}

func TestSQLiteLedger_DedupeByKey(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ledger.Record(ctx, "replicate", 0.04, nil, "pred-1"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if !closeTo(stats.CurrentMonth, 0.04) {
		t.Errorf("CurrentMonth = %v, want one charge only", stats.CurrentMonth)
	}
}

func TestSQLiteLedger_IgnoresNonPositiveAmounts(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	if err := ledger.Record(ctx, "replicate", 0, nil, "a"); err != nil {
		t.Fatalf("Record(0) error = %v", err)
	}
	if err := ledger.Record(ctx, "replicate", -1, nil, "b"); err != nil {
		t.Fatalf("Record(-1) error = %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.CurrentMonth != 0 {
		t.Errorf("CurrentMonth = %v, want 0", stats.CurrentMonth)
	}
}

func TestSQLiteLedger_TrailingTwelveMonths(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	// Spend in fourteen consecutive months, one dollar each.
	start := time.Date(2025, time.August, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 14; i++ {
		fixedNow(t, ledger, start.AddDate(0, i, 0))
		if err := ledger.Record(ctx, "replicate", 1, nil, ""); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// Now in the 14th month: current month is its own bucket, the
	// trailing total covers the 12 closed months before it, and the
	// oldest month falls off.
	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if !closeTo(stats.CurrentMonth, 1) {
		t.Errorf("CurrentMonth = %v, want 1", stats.CurrentMonth)
	}
	if !closeTo(stats.Last12Months, 12) {
		t.Errorf("Last12Months = %v, want 12", stats.Last12Months)
	}
}

func TestMonthKey(t *testing.T) {
	at := time.Date(2026, time.March, 7, 3, 4, 5, 0, time.UTC)
	if got := MonthKey(at); got != "2026-03" {
		t.Errorf("MonthKey() = %q, want %q", got, "2026-03")
	}
}

func closeTo(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
