package cost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cost_aggregates (
    month TEXT PRIMARY KEY,
    total REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cost_logs (
    dedupe_key TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    amount REAL NOT NULL,
    month TEXT NOT NULL,
    metadata_json TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cost_logs_month ON cost_logs(month);
`

// SQLiteLedger is the default, local cost ledger.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Record(ctx context.Context, service string, amount float64, metadata map[string]any, dedupeKey string) error {
	if amount <= 0 {
		return nil
	}

	now := l.now()
	month := MonthKey(now)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if dedupeKey != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM cost_logs WHERE dedupe_key = ?`, dedupeKey).Scan(&exists)
		if err == nil {
			return nil // already recorded
		}
		if err != sql.ErrNoRows {
			return err
		}
	} else {
		dedupeKey = uuid.New().String()
	}

	var metadataJSON []byte
	if metadata != nil {
		metadataJSON, _ = json.Marshal(metadata)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cost_logs (dedupe_key, service, amount, month, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dedupeKey, service, amount, month, string(metadataJSON), now.UnixMilli()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cost_aggregates (month, total) VALUES (?, ?)
		 ON CONFLICT(month) DO UPDATE SET total = total + excluded.total`,
		month, amount); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *SQLiteLedger) Stats(ctx context.Context) (*Stats, error) {
	currentMonth := MonthKey(l.now())

	rows, err := l.db.QueryContext(ctx, `SELECT month, total FROM cost_aggregates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make(map[string]float64)
	for rows.Next() {
		var month string
		var total float64
		if err := rows.Scan(&month, &total); err != nil {
			return nil, err
		}
		history[month] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Stats{
		CurrentMonth: history[currentMonth],
		Last12Months: trailingTotal(history, currentMonth),
	}, nil
}
