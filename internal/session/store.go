package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manash/fluxgen/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    original_image TEXT NOT NULL DEFAULT '',
    current_image TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'idle'
);

CREATE TABLE IF NOT EXISTS generations (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    status TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    prediction_id TEXT NOT NULL DEFAULT '',
    remote_url TEXT NOT NULL DEFAULT '',
    image_path TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reference_images (
    session_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    path TEXT NOT NULL,
    PRIMARY KEY (session_id, position),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT
);

CREATE INDEX IF NOT EXISTS idx_generations_session_id ON generations(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Meta slot keys. The active session id survives restarts; the last
// accepted prediction id is the best-effort recovery fallback cache.
const (
	metaActiveSession  = "active_session_id"
	metaLastPrediction = "last_prediction_id"
)

// Store persists sessions and their generations across restarts.
// Writes replace whole records; saves reconcile the store against the
// in-memory session set so deletions propagate as orphan removal.
type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := defaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The pragma goes in the DSN so it is applied to every connection
	// the pool opens. Cascading deletes depend on it.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func defaultDBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// DataDir is where the database and all session image bytes live.
// FLUXGEN_DATA_DIR overrides it for tests.
func DataDir() (string, error) {
	if dir := os.Getenv("FLUXGEN_DATA_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".fluxgen"), nil
}

func SessionImageDir(sessionID string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "images", sessionID), nil
}

func EnsureImageDir(sessionID string) (string, error) {
	dir, err := SessionImageDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAll writes the complete session set in one transaction: existing
// rows whose id is no longer present are deleted, every current session
// is upserted with its generations and references replaced wholesale,
// and the active-session slot is updated.
func (s *Store) SaveAll(ctx context.Context, sessions []*Session, activeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	current := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		current[sess.ID] = true
	}

	for id := range existing {
		if !current[id] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
				return err
			}
		}
	}

	for _, sess := range sessions {
		if err := upsertSession(ctx, tx, sess); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaActiveSession, activeID); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess *Session) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, original_image, current_image, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     created_at = excluded.created_at,
		     original_image = excluded.original_image,
		     current_image = excluded.current_image,
		     status = excluded.status`,
		sess.ID, sess.CreatedAt.UnixMilli(), sess.OriginalImage, sess.CurrentImage, string(sess.Status))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for i, gen := range sess.Generations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generations
			     (id, session_id, position, status, prompt, model, provider, kind,
			      prediction_id, remote_url, image_path, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			gen.ID, sess.ID, i, string(gen.Status), gen.Prompt, gen.Model,
			string(gen.Provider), string(gen.Kind), gen.PredictionID, gen.RemoteURL,
			gen.ImagePath, gen.Error, gen.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_images WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for i, path := range sess.References {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reference_images (session_id, position, path) VALUES (?, ?, ?)`,
			sess.ID, i, path); err != nil {
			return err
		}
	}

	return nil
}

// Load reads every stored session, purges the ones past the retention
// window, revives display handles from the persisted bytes, and returns
// the survivors newest-first along with the active session id.
func (s *Store) Load(ctx context.Context) ([]*Session, string, error) {
	return s.loadAt(ctx, time.Now())
}

func (s *Store) loadAt(ctx context.Context, now time.Time) ([]*Session, string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, original_image, current_image, status FROM sessions`)
	if err != nil {
		return nil, "", err
	}

	var all []*Session
	for rows.Next() {
		sess := &Session{}
		var createdMs int64
		var status string
		if err := rows.Scan(&sess.ID, &createdMs, &sess.OriginalImage, &sess.CurrentImage, &status); err != nil {
			rows.Close()
			return nil, "", err
		}
		sess.CreatedAt = time.UnixMilli(createdMs)
		sess.Status = SessionStatus(status)
		all = append(all, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	valid := make([]*Session, 0, len(all))
	for _, sess := range all {
		if sess.Expired(now) {
			if err := s.deleteSession(ctx, sess.ID); err != nil {
				fmt.Fprintf(os.Stderr, "failed to purge expired session %s: %v\n", sess.ID, err)
			}
			continue
		}

		if err := s.loadGenerations(ctx, sess); err != nil {
			return nil, "", err
		}
		if err := s.loadReferences(ctx, sess); err != nil {
			return nil, "", err
		}
		reviveSession(sess)
		valid = append(valid, sess)
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].CreatedAt.After(valid[j].CreatedAt)
	})

	activeID, err := s.GetMeta(ctx, metaActiveSession)
	if err != nil {
		return nil, "", err
	}

	return valid, activeID, nil
}

func (s *Store) loadGenerations(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, prompt, model, provider, kind, prediction_id,
		        remote_url, image_path, error, created_at
		 FROM generations WHERE session_id = ? ORDER BY position ASC`, sess.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		gen := &Generation{SessionID: sess.ID}
		var status, providerType, kind string
		var createdMs int64
		if err := rows.Scan(&gen.ID, &status, &gen.Prompt, &gen.Model, &providerType,
			&kind, &gen.PredictionID, &gen.RemoteURL, &gen.ImagePath, &gen.Error, &createdMs); err != nil {
			return err
		}
		gen.Status = Status(status)
		gen.Provider = models.ProviderType(providerType)
		gen.Kind = models.ModelKind(kind)
		gen.CreatedAt = time.UnixMilli(createdMs)
		sess.Generations = append(sess.Generations, gen)
	}
	return rows.Err()
}

func (s *Store) loadReferences(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM reference_images WHERE session_id = ? ORDER BY position ASC`, sess.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return err
		}
		sess.References = append(sess.References, path)
	}
	return rows.Err()
}

// reviveSession regenerates the handles that do not survive a restart.
// The thumbnail prefers the current image and falls back to the original
// when the current bytes are missing or unreadable; each generation with
// persisted bytes gets its local handle re-derived from the path.
func reviveSession(sess *Session) {
	if readableFile(sess.CurrentImage) {
		sess.ThumbnailPath = sess.CurrentImage
	} else if readableFile(sess.OriginalImage) {
		sess.ThumbnailPath = sess.OriginalImage
	}

	for _, gen := range sess.Generations {
		if gen.ImagePath != "" && readableFile(gen.ImagePath) {
			gen.LocalURL = fileURL(gen.ImagePath)
		} else {
			gen.LocalURL = ""
		}
	}
}

func readableFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func fileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func (s *Store) deleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	if dir, err := SessionImageDir(id); err == nil {
		os.RemoveAll(dir)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}
