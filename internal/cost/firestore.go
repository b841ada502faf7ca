package cost

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	aggregatesCollection = "costs_aggregates"
	aggregateDocID       = "global"
	logsCollection       = "cost_logs"
)

// FirestoreLedger keeps the cost aggregate in a single Firestore
// document with per-transaction audit logs, for deployments that share
// spend tracking across machines.
type FirestoreLedger struct {
	client *firestore.Client
	now    func() time.Time
}

type aggregateMonth struct {
	Value float64 `firestore:"value"`
	Month string  `firestore:"month"`
}

type aggregateDoc struct {
	CurrentMonth      aggregateMonth     `firestore:"currentMonth"`
	MonthlyHistory    map[string]float64 `firestore:"monthlyHistory"`
	Last12MonthsTotal float64            `firestore:"last12MonthsTotal"`
}

func NewFirestoreLedger(ctx context.Context, projectID, credentialsFile string) (*FirestoreLedger, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreLedger{client: client, now: time.Now}, nil
}

func (l *FirestoreLedger) Close() error {
	return l.client.Close()
}

func (l *FirestoreLedger) Record(ctx context.Context, service string, amount float64, metadata map[string]any, dedupeKey string) error {
	if amount <= 0 {
		return nil
	}

	month := MonthKey(l.now())
	aggRef := l.client.Collection(aggregatesCollection).Doc(aggregateDocID)

	return l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var logRef *firestore.DocumentRef
		if dedupeKey != "" {
			logRef = l.client.Collection(logsCollection).Doc(dedupeKey)
			if _, err := tx.Get(logRef); err == nil {
				return nil // already recorded
			} else if status.Code(err) != codes.NotFound {
				return err
			}
		} else {
			logRef = l.client.Collection(logsCollection).NewDoc()
		}

		var agg aggregateDoc
		snap, err := tx.Get(aggRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&agg); err != nil {
				return fmt.Errorf("failed to decode aggregate: %w", err)
			}
		case status.Code(err) == codes.NotFound:
			agg.CurrentMonth = aggregateMonth{Month: month}
		default:
			return err
		}
		if agg.MonthlyHistory == nil {
			agg.MonthlyHistory = make(map[string]float64)
		}

		// Month rollover: archive the closed month, reset the bucket.
		if agg.CurrentMonth.Month != month {
			if agg.CurrentMonth.Month != "" {
				agg.MonthlyHistory[agg.CurrentMonth.Month] = agg.CurrentMonth.Value
			}
			agg.CurrentMonth = aggregateMonth{Month: month}
		}

		agg.CurrentMonth.Value += amount
		agg.MonthlyHistory[month] = agg.CurrentMonth.Value
		agg.Last12MonthsTotal = trailingTotal(agg.MonthlyHistory, month)

		if err := tx.Set(aggRef, map[string]any{
			"currentMonth":      agg.CurrentMonth,
			"monthlyHistory":    agg.MonthlyHistory,
			"last12MonthsTotal": agg.Last12MonthsTotal,
			"lastUpdated":       firestore.ServerTimestamp,
		}); err != nil {
			return err
		}

		return tx.Set(logRef, map[string]any{
			"service":   service,
			"cost":      amount,
			"month":     month,
			"metadata":  metadata,
			"timestamp": firestore.ServerTimestamp,
		})
	})
}

func (l *FirestoreLedger) Stats(ctx context.Context) (*Stats, error) {
	snap, err := l.client.Collection(aggregatesCollection).Doc(aggregateDocID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &Stats{}, nil
		}
		return nil, err
	}

	var agg aggregateDoc
	if err := snap.DataTo(&agg); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate: %w", err)
	}

	current := agg.CurrentMonth.Value
	if agg.CurrentMonth.Month != MonthKey(l.now()) {
		// No spend recorded since the month rolled over.
		current = 0
	}

	return &Stats{
		CurrentMonth: current,
		Last12Months: agg.Last12MonthsTotal,
	}, nil
}
