package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// maxPrompts caps each section's list. Appending an existing prompt
// moves it to the front instead of duplicating it.
const maxPrompts = 200

// Store is the prompt-history ledger: an ordered, capped,
// dedupe-and-move-to-front list per tool section.
type Store interface {
	Append(ctx context.Context, section, prompt string) error
	List(ctx context.Context, section string) ([]string, error)
}

// push applies the shared list discipline: remove any duplicate, insert
// at the front, trim to the cap.
func push(prompts []string, prompt string) []string {
	out := make([]string, 0, len(prompts)+1)
	out = append(out, prompt)
	for _, p := range prompts {
		if p != prompt {
			out = append(out, p)
		}
	}
	if len(out) > maxPrompts {
		out = out[:maxPrompts]
	}
	return out
}

const schema = `
CREATE TABLE IF NOT EXISTS prompt_history (
    section TEXT PRIMARY KEY,
    prompts_json TEXT NOT NULL
);
`

// SQLiteStore is the default, local prompt-history store. Each section
// is one row holding the full ordered list, rewritten on every append,
// the same replace-on-write discipline the session store uses.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, section, prompt string) error {
	if prompt == "" {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var promptsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT prompts_json FROM prompt_history WHERE section = ?`, section).Scan(&promptsJSON)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	var prompts []string
	if promptsJSON != "" {
		if err := json.Unmarshal([]byte(promptsJSON), &prompts); err != nil {
			prompts = nil
		}
	}

	updated, err := json.Marshal(push(prompts, prompt))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_history (section, prompts_json) VALUES (?, ?)
		 ON CONFLICT(section) DO UPDATE SET prompts_json = excluded.prompts_json`,
		section, string(updated)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, section string) ([]string, error) {
	var promptsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT prompts_json FROM prompt_history WHERE section = ?`, section).Scan(&promptsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var prompts []string
	if err := json.Unmarshal([]byte(promptsJSON), &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt history: %w", err)
	}
	return prompts, nil
}
