package cost

import (
	"context"
	"sort"
	"time"
)

// Stats is the read contract of the cost ledger: the accumulating total
// for the current calendar month plus a rolling total over the trailing
// twelve closed months.
type Stats struct {
	CurrentMonth float64
	Last12Months float64
}

// Ledger accumulates generation spend keyed by calendar month. Record is
// at-most-once per dedupe key inside a transactional read-modify-write,
// so observing the same succeeded prediction twice never double-counts.
type Ledger interface {
	Record(ctx context.Context, service string, amount float64, metadata map[string]any, dedupeKey string) error
	Stats(ctx context.Context) (*Stats, error)
}

// MonthKey formats the calendar-month bucket key, e.g. "2026-09".
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// trailingTotal sums the newest twelve closed months, excluding the
// current one.
func trailingTotal(history map[string]float64, currentMonth string) float64 {
	keys := make([]string, 0, len(history))
	for k := range history {
		if k != currentMonth {
			keys = append(keys, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) > 12 {
		keys = keys[:12]
	}

	var total float64
	for _, k := range keys {
		total += history[k]
	}
	return total
}
